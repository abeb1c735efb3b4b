package virustotal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return NewClient(Options{
		BaseURL:      url,
		APIKey:       "test-key",
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeAnalysis(w http.ResponseWriter, status string, stats map[string]int) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{
			"id":   "analysis-1",
			"type": "analysis",
			"attributes": map[string]interface{}{
				"status": status,
				"stats":  stats,
			},
		},
	})
}

func writeSubmitted(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]string{"type": "analysis", "id": "analysis-1"},
	})
}

func TestScanURL(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-apikey") != "test-key" {
			t.Errorf("Missing or wrong x-apikey header")
		}
		switch {
		case r.Method == "POST" && r.URL.Path == "/urls":
			if err := r.ParseForm(); err != nil {
				t.Errorf("ParseForm: %v", err)
			}
			if got := r.PostForm.Get("url"); got != "http://example.com" {
				t.Errorf("url = %q, want http://example.com", got)
			}
			writeSubmitted(w)
		case r.Method == "GET" && r.URL.Path == "/analyses/analysis-1":
			if atomic.AddInt32(&polls, 1) < 3 {
				writeAnalysis(w, "queued", nil)
				return
			}
			writeAnalysis(w, "completed", map[string]int{
				"harmless": 10, "malicious": 0, "suspicious": 0, "undetected": 5,
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).ScanURL(context.Background(), "http://example.com")
	if err != nil {
		t.Fatalf("ScanURL error: %v", err)
	}
	if result.Status != "completed" {
		t.Errorf("Status = %q, want completed", result.Status)
	}
	if result.Stats["harmless"] != 10 || result.Stats["undetected"] != 5 {
		t.Errorf("Stats = %v", result.Stats)
	}
	if n := atomic.LoadInt32(&polls); n != 3 {
		t.Errorf("polled %d times, want 3", n)
	}
}

func TestScanFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files":
			file, header, err := r.FormFile("file")
			if err != nil {
				t.Errorf("FormFile: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer file.Close()
			data, _ := io.ReadAll(file)
			if header.Filename != "sample.exe" || string(data) != "MZ payload" {
				t.Errorf("got file %q with %q", header.Filename, data)
			}
			writeSubmitted(w)
		case "/analyses/analysis-1":
			writeAnalysis(w, "completed", map[string]int{
				"harmless": 0, "malicious": 3, "suspicious": 1, "undetected": 50, "type-unsupported": 8,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).ScanFile(context.Background(), "sample.exe", 10, strings.NewReader("MZ payload"))
	if err != nil {
		t.Fatalf("ScanFile error: %v", err)
	}
	if result.Stats["type-unsupported"] != 8 {
		t.Errorf("Stats = %v", result.Stats)
	}
}

func TestScanLargeFileUsesUploadURL(t *testing.T) {
	var server *httptest.Server
	var uploaded bool
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/upload_url":
			json.NewEncoder(w).Encode(map[string]string{"data": server.URL + "/upload/abc"})
		case "/upload/abc":
			uploaded = true
			writeSubmitted(w)
		case "/files":
			t.Error("large file posted to /files")
		case "/analyses/analysis-1":
			writeAnalysis(w, "completed", map[string]int{"harmless": 1})
		}
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ScanFile(context.Background(), "big.iso", LargeFileThreshold+1, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("ScanFile error: %v", err)
	}
	if !uploaded {
		t.Error("file was not sent to the upload URL")
	}
}

func TestScanURLAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "InvalidArgumentError", "message": "Unable to canonicalize url"},
		})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ScanURL(context.Background(), "not a url")
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want RemoteAPIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "InvalidArgumentError" {
		t.Errorf("got %+v", apiErr)
	}
	if apiErr.Unavailable() {
		t.Error("400 reported as unavailable")
	}
}

func TestScanURLUnreachable(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:59997").ScanURL(context.Background(), "http://example.com")
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want RemoteAPIError", err)
	}
	if !apiErr.Unavailable() {
		t.Errorf("connection failure not reported as unavailable: %v", err)
	}
}

func TestWaitForAnalysisCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/urls" {
			writeSubmitted(w)
			return
		}
		writeAnalysis(w, "in-progress", nil)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.pollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.ScanURL(ctx, "http://example.com")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
