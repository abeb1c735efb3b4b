// internal/bot/dispatcher.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/signalnine/vtbot/internal/artifact"
	"github.com/signalnine/vtbot/internal/metrics"
	"github.com/signalnine/vtbot/internal/protocol"
	"github.com/signalnine/vtbot/internal/report"
	"github.com/signalnine/vtbot/internal/session"
	"github.com/signalnine/vtbot/internal/virustotal"
)

// ParseModeMarkdown renders *bold* in outgoing messages
const ParseModeMarkdown = "Markdown"

// Sender delivers messages to a chat
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
	SendDocument(ctx context.Context, chatID int64, fileID string) error
}

// Downloader fetches a file held by the chat platform
type Downloader interface {
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Scanner submits targets for analysis and waits for the result
type Scanner interface {
	ScanURL(ctx context.Context, target string) (*protocol.AnalysisResult, error)
	ScanFile(ctx context.Context, name string, size int64, r io.Reader) (*protocol.AnalysisResult, error)
}

// DownloadError means a user's file could not be fetched or stored
type DownloadError struct {
	FileID string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.FileID, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Config for the dispatcher
type Config struct {
	FilesMaxSize     int // megabytes
	ReturnCleanFiles bool
	RemoveArtifacts  bool
}

// Dispatcher routes updates to their handlers and keeps the lifecycle
// record of every request.
type Dispatcher struct {
	cfg        Config
	sessions   *session.Store
	tracker    *session.Tracker
	artifacts  *artifact.Store
	sender     Sender
	downloader Downloader
	scanner    Scanner
	logger     *slog.Logger
	hash       func(path string) (string, error)
}

// NewDispatcher creates a dispatcher
func NewDispatcher(
	cfg Config,
	tracker *session.Tracker,
	artifacts *artifact.Store,
	sender Sender,
	downloader Downloader,
	scanner Scanner,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		sessions:   session.NewStore(),
		tracker:    tracker,
		artifacts:  artifacts,
		sender:     sender,
		downloader: downloader,
		scanner:    scanner,
		logger:     logger.With(slog.String("component", "dispatcher")),
		hash:       artifact.HashFile,
	}
}

// request is the unit of work serving one update
type request struct {
	update protocol.Update
	state  *session.State
	id     string
	lang   report.Lang
}

// Handle serves one update. Every update is finalized exactly once, whatever
// path its handler takes.
func (d *Dispatcher) Handle(ctx context.Context, u protocol.Update) {
	st := d.sessions.Acquire(u.ChatID)
	defer d.sessions.Release(u.ChatID)

	req := &request{
		update: u,
		state:  st,
		lang:   report.LanguageFor(u.Sender.LanguageCode),
	}
	req.id = d.tracker.Begin(st, u.Action, u.Sender.Username, u.Sender.ID)

	result := protocol.ResultError
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler_panic",
				slog.String("request_id", req.id),
				slog.Any("panic", r),
			)
			result = protocol.ResultError
		}
		d.tracker.Finalize(st, result)
	}()

	switch u.Action {
	case protocol.ActionStart:
		result = d.greet(ctx, req, report.Start)
	case protocol.ActionHelp:
		result = d.greet(ctx, req, report.Help)
	case protocol.ActionText:
		result = d.handleText(ctx, req)
	case protocol.ActionFile:
		result = d.handleFile(ctx, req)
	default:
		d.logger.Warn("unknown_action",
			slog.String("request_id", req.id),
			slog.String("action", string(u.Action)),
		)
	}
}

func (d *Dispatcher) greet(ctx context.Context, req *request, key string) protocol.Result {
	d.send(ctx, req, report.Dialog(key, req.lang, d.cfg.FilesMaxSize), "")
	return protocol.ResultSuccess
}

func (d *Dispatcher) handleText(ctx context.Context, req *request) protocol.Result {
	target := strings.TrimSpace(req.update.Text)

	d.send(ctx, req, report.Dialog(report.TextAnalyzing, req.lang), "")

	analysis, err := d.scanner.ScanURL(ctx, target)
	if err != nil {
		return d.scanFailed(ctx, req, "url", err, report.TextError)
	}

	body, err := report.FormatURLResult(analysis.Stats, req.lang)
	if err != nil {
		return d.scanFailed(ctx, req, "url", err, report.TextError)
	}
	metrics.ScansTotal.WithLabelValues("url", "success").Inc()

	d.logger.Info("url_analysis",
		slog.String("request_id", req.id),
		slog.String("url", target),
		slog.String("analysis_id", analysis.ID),
		slog.Any("stats", analysis.Stats),
	)

	d.send(ctx, req, report.Dialog(report.TextResults, req.lang, target), "")
	d.send(ctx, req, body, ParseModeMarkdown)
	return protocol.ResultSuccess
}

func (d *Dispatcher) handleFile(ctx context.Context, req *request) protocol.Result {
	f := req.update.File
	if f == nil {
		d.logger.Error("file_update_without_file", slog.String("request_id", req.id))
		d.send(ctx, req, report.Dialog(report.FileError, req.lang), "")
		return protocol.ResultError
	}
	name := artifact.SafeName(f.Name)
	maxMB := float64(d.cfg.FilesMaxSize)

	// The platform hint is advisory: it may reject early, but admission
	// is only granted on the downloaded byte count.
	if f.SizeHint > 0 && !artifact.Admit(artifact.MB(f.SizeHint), maxMB) {
		d.attach(req, protocol.FileArtifact{Name: name, Size: artifact.MB(f.SizeHint), ID: f.ID})
		d.send(ctx, req, report.Dialog(report.FileTooBig, req.lang, d.cfg.FilesMaxSize), "")
		return protocol.ResultFileTooBig
	}

	d.send(ctx, req, report.Dialog(report.FileDownloading, req.lang), "")

	// The copy stops one byte past the limit
	saved, err := d.download(ctx, req, name, int64(d.cfg.FilesMaxSize)<<20+1)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return protocol.ResultCancelled
		}
		d.logger.Error("file_download",
			slog.String("request_id", req.id),
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		d.send(ctx, req, report.Dialog(report.FileDownloadError, req.lang), "")
		return protocol.ResultDownloadError
	}
	if d.cfg.RemoveArtifacts {
		defer func() {
			if err := d.artifacts.Remove(saved.Path); err != nil {
				d.logger.Warn("remove_artifact", slog.String("error", err.Error()))
			}
		}()
	}

	sizeMB := artifact.MB(saved.Size)
	if !artifact.Admit(sizeMB, maxMB) {
		// Truncated content is neither hashed nor kept
		d.attach(req, protocol.FileArtifact{Name: name, Size: sizeMB, ID: f.ID})
		if err := d.artifacts.Remove(saved.Path); err != nil {
			d.logger.Warn("remove_artifact", slog.String("error", err.Error()))
		}
		d.send(ctx, req, report.Dialog(report.FileTooBig, req.lang, d.cfg.FilesMaxSize), "")
		return protocol.ResultFileTooBig
	}

	hash, err := d.hash(saved.Path)
	if err != nil {
		d.logger.Error("file_hash",
			slog.String("request_id", req.id),
			slog.String("error", err.Error()),
		)
		d.send(ctx, req, report.Dialog(report.FileError, req.lang), "")
		return protocol.ResultError
	}

	d.attach(req, protocol.FileArtifact{Name: name, Size: sizeMB, Hash: hash, ID: f.ID})

	d.send(ctx, req, report.Dialog(report.FileAnalyzing, req.lang), "")

	analysis, err := d.scanSaved(ctx, name, saved)
	if err != nil {
		return d.scanFailed(ctx, req, "file", err, report.FileError)
	}

	body, err := report.FormatFileResult(analysis.Stats, req.lang)
	if err != nil {
		return d.scanFailed(ctx, req, "file", err, report.FileError)
	}
	metrics.ScansTotal.WithLabelValues("file", "success").Inc()

	d.logger.Info("file_analysis",
		slog.String("request_id", req.id),
		slog.String("hash", hash),
		slog.String("analysis_id", analysis.ID),
		slog.Any("stats", analysis.Stats),
	)

	d.send(ctx, req, report.Dialog(report.FileResults, req.lang, name), "")
	d.send(ctx, req, body, ParseModeMarkdown)

	if d.cfg.ReturnCleanFiles && analysis.Clean() {
		d.send(ctx, req, report.Dialog(report.FileClean, req.lang), "")
		if err := d.sender.SendDocument(ctx, req.update.ChatID, f.ID); err != nil {
			d.logger.Warn("send_document",
				slog.String("request_id", req.id),
				slog.String("error", err.Error()),
			)
		}
	}
	return protocol.ResultSuccess
}

func (d *Dispatcher) download(ctx context.Context, req *request, name string, limit int64) (*artifact.Saved, error) {
	fileID := req.update.File.ID

	rc, err := d.downloader.Download(ctx, fileID)
	if err != nil {
		return nil, &DownloadError{FileID: fileID, Err: err}
	}
	defer rc.Close()

	saved, err := d.artifacts.Save(ctx, req.update.Sender.ID, name, io.LimitReader(rc, limit))
	if err != nil {
		return nil, &DownloadError{FileID: fileID, Err: err}
	}
	return saved, nil
}

func (d *Dispatcher) scanSaved(ctx context.Context, name string, saved *artifact.Saved) (*protocol.AnalysisResult, error) {
	fh, err := os.Open(saved.Path)
	if err != nil {
		return nil, &artifact.IOError{Op: "open", Path: saved.Path, Err: err}
	}
	defer fh.Close()

	return d.scanner.ScanFile(ctx, name, saved.Size, fh)
}

// scanFailed turns a failed scan into the user-facing message and result
func (d *Dispatcher) scanFailed(ctx context.Context, req *request, kind string, err error, dialog string) protocol.Result {
	if errors.Is(err, context.Canceled) {
		metrics.ScansTotal.WithLabelValues(kind, "cancelled").Inc()
		d.logger.Info(kind+"_analysis_cancelled", slog.String("request_id", req.id))
		return protocol.ResultCancelled
	}
	metrics.ScansTotal.WithLabelValues(kind, "error").Inc()

	attrs := []any{
		slog.String("request_id", req.id),
		slog.String("error", err.Error()),
	}
	var apiErr *virustotal.RemoteAPIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs,
			slog.Int("status_code", apiErr.StatusCode),
			slog.String("code", apiErr.Code),
			slog.Bool("unavailable", apiErr.Unavailable()),
		)
	}
	var malformed *report.MalformedResultError
	if errors.As(err, &malformed) {
		attrs = append(attrs, slog.String("missing_key", malformed.Key))
	}
	d.logger.Error(kind+"_analysis_failed", attrs...)

	d.send(ctx, req, report.Dialog(dialog, req.lang), "")
	return protocol.ResultError
}

func (d *Dispatcher) attach(req *request, f protocol.FileArtifact) {
	if err := d.tracker.AttachFile(req.state, f); err != nil {
		d.logger.Warn("attach_file", slog.String("request_id", req.id), slog.String("error", err.Error()))
	}
}

// send delivers a message; a failed send is logged and does not stop the request
func (d *Dispatcher) send(ctx context.Context, req *request, text, parseMode string) {
	if err := d.sender.SendMessage(ctx, req.update.ChatID, text, parseMode); err != nil {
		d.logger.Warn("send_message",
			slog.String("request_id", req.id),
			slog.String("error", err.Error()),
		)
	}
}
