package bot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/vtbot/internal/artifact"
	"github.com/signalnine/vtbot/internal/audit"
	"github.com/signalnine/vtbot/internal/metrics"
	"github.com/signalnine/vtbot/internal/protocol"
	"github.com/signalnine/vtbot/internal/session"
	"github.com/signalnine/vtbot/internal/virustotal"
)

// TestIntegrationScanToJournal runs updates through the dispatcher, a real
// VirusTotal client against a mock API, and the SQLite journal.
func TestIntegrationScanToJournal(t *testing.T) {
	// 1. Mock VirusTotal: analyses are queued once before completing
	var polls int32
	var uploaded atomic.Value
	vt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-apikey") != "test-vt-key" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "WrongCredentialsError", "message": "bad key"},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/urls":
			if got := r.FormValue("url"); got != "http://example.com" {
				t.Errorf("VT: url = %q, want http://example.com", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"type": "analysis", "id": "u-1"}})
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("VT: form file: %v", err)
				return
			}
			data, _ := io.ReadAll(f)
			uploaded.Store(string(data))
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"type": "analysis", "id": "f-1"}})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/analyses/"):
			status := "completed"
			if atomic.AddInt32(&polls, 1)%2 == 1 {
				status = "queued"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"id": strings.TrimPrefix(r.URL.Path, "/analyses/"),
					"attributes": map[string]any{
						"status": status,
						"stats": map[string]int{
							"harmless": 60, "malicious": 2, "suspicious": 1,
							"undetected": 10, "type-unsupported": 4,
						},
					},
				},
			})
		default:
			t.Errorf("VT: unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer vt.Close()

	// 2. Journal and working directory
	tempDir := t.TempDir()
	db, err := audit.NewDB(filepath.Join(tempDir, "audit.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	// 3. Dispatcher wired as the run command wires it
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	client := virustotal.NewClient(virustotal.Options{
		BaseURL:      vt.URL,
		APIKey:       "test-vt-key",
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, logger)
	sender := &fakeSender{}
	downloader := &fakeDownloader{content: []byte("MZ fake binary")}

	d := NewDispatcher(
		Config{FilesMaxSize: 5},
		session.NewTracker(logger, metrics.Recorder{}, db),
		artifact.NewStore(filepath.Join(tempDir, "artifacts")),
		sender, downloader, client,
		logger,
	)

	// 4. A URL and a file from the same user
	text := update(protocol.ActionText)
	text.Text = "http://example.com"
	d.Handle(context.Background(), text)
	d.Handle(context.Background(), fileUpdate("sample.exe", 14))

	if got, _ := uploaded.Load().(string); got != "MZ fake binary" {
		t.Errorf("uploaded content = %q", got)
	}

	texts := sender.texts()
	var reports int
	for _, text := range texts {
		if strings.Contains(text, "*Malicious*: 2") {
			reports++
		}
	}
	if reports != 2 {
		t.Errorf("got %d reports, want 2; messages: %q", reports, texts)
	}

	// 5. Both requests are journaled with their results
	entries, err := db.QueryByUser(123456, 10)
	if err != nil {
		t.Fatalf("QueryByUser: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal has %d entries, want 2", len(entries))
	}
	var file *audit.Entry
	for i := range entries {
		if entries[i].Result != protocol.ResultSuccess {
			t.Errorf("entry %s result = %s, want success", entries[i].RequestID, entries[i].Result)
		}
		if entries[i].Action == protocol.ActionFile {
			file = &entries[i]
		}
	}
	if file == nil {
		t.Fatal("no file entry journaled")
	}
	if file.FileName != "sample.exe" || len(file.FileHash) != 64 {
		t.Errorf("file entry = %+v", file)
	}
}
