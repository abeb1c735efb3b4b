// internal/virustotal/client.go
package virustotal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalnine/vtbot/internal/protocol"
)

// Files above this size must be posted to a one-off upload URL
const LargeFileThreshold = 32 * 1024 * 1024

const statusCompleted = "completed"

// RemoteAPIError means VirusTotal rejected a call or could not be reached
type RemoteAPIError struct {
	Op         string
	StatusCode int    // 0 when no response was received
	Code       string // VirusTotal error code, e.g. "NotFoundError"
	Message    string
	Err        error
}

func (e *RemoteAPIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("virustotal %s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("virustotal %s: HTTP %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("virustotal %s: HTTP %d", e.Op, e.StatusCode)
	}
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// Unavailable reports whether the failure looks transient
func (e *RemoteAPIError) Unavailable() bool {
	if e.Err != nil {
		var netErr net.Error
		return errors.As(e.Err, &netErr)
	}
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusGatewayTimeout
}

// Options configures a Client
type Options struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration // per HTTP call
}

// Client talks to the VirusTotal v3 REST API
type Client struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewClient creates a VirusTotal client
func NewClient(opts Options, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		pollInterval: opts.PollInterval,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		logger: logger.With(slog.String("component", "virustotal")),
	}
}

// ScanURL submits a URL and waits until its analysis completes
func (c *Client) ScanURL(ctx context.Context, target string) (*protocol.AnalysisResult, error) {
	form := url.Values{"url": {target}}
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	id, err := c.submit(req, "scan_url")
	if err != nil {
		return nil, err
	}
	return c.waitForAnalysis(ctx, id)
}

// ScanFile uploads a file and waits until its analysis completes.
// size selects between the direct endpoint and an upload URL.
func (c *Client) ScanFile(ctx context.Context, name string, size int64, r io.Reader) (*protocol.AnalysisResult, error) {
	endpoint := c.baseURL + "/files"
	if size > LargeFileThreshold {
		u, err := c.uploadURL(ctx)
		if err != nil {
			return nil, err
		}
		endpoint = u
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	id, err := c.submit(req, "scan_file")
	if err != nil {
		return nil, err
	}
	return c.waitForAnalysis(ctx, id)
}

// Analysis fetches the current state of an analysis
func (c *Client) Analysis(ctx context.Context, id string) (*protocol.AnalysisResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/analyses/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				Status string         `json:"status"`
				Stats  map[string]int `json:"stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(req, "get_analysis", &body); err != nil {
		return nil, err
	}

	return &protocol.AnalysisResult{
		ID:     body.Data.ID,
		Status: body.Data.Attributes.Status,
		Stats:  body.Data.Attributes.Stats,
	}, nil
}

func (c *Client) waitForAnalysis(ctx context.Context, id string) (*protocol.AnalysisResult, error) {
	for {
		result, err := c.Analysis(ctx, id)
		if err != nil {
			return nil, err
		}
		if result.Status == statusCompleted {
			if result.ID == "" {
				result.ID = id
			}
			return result, nil
		}

		c.logger.Debug("analysis_pending",
			slog.String("analysis_id", id),
			slog.String("status", result.Status),
		)

		select {
		case <-ctx.Done():
			return nil, &RemoteAPIError{Op: "wait_analysis", Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) uploadURL(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/files/upload_url", nil)
	if err != nil {
		return "", err
	}

	var body struct {
		Data string `json:"data"`
	}
	if err := c.do(req, "upload_url", &body); err != nil {
		return "", err
	}
	if body.Data == "" {
		return "", &RemoteAPIError{Op: "upload_url", Err: errors.New("empty upload url")}
	}
	return body.Data, nil
}

// submit posts a scan request and returns the analysis id
func (c *Client) submit(req *http.Request, op string) (string, error) {
	var body struct {
		Data struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(req, op, &body); err != nil {
		return "", err
	}
	if body.Data.ID == "" {
		return "", &RemoteAPIError{Op: op, Err: errors.New("response carries no analysis id")}
	}
	return body.Data.ID, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return &RemoteAPIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &RemoteAPIError{Op: op, StatusCode: resp.StatusCode}
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &body) == nil {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteAPIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
