package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/vtbot/internal/protocol"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

type recordingSink struct {
	events []*protocol.RequestEvent
	err    error
}

func (s *recordingSink) RecordEvent(ev *protocol.RequestEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

type panicSink struct{}

func (panicSink) RecordEvent(*protocol.RequestEvent) error { panic("sink exploded") }

func newTestTracker(w io.Writer, clock *fakeClock, sinks ...Sink) *Tracker {
	tr := NewTracker(slog.New(slog.NewJSONHandler(w, nil)), sinks...)
	tr.now = clock.now
	tr.newID = func() string { return "abcdef" }
	return tr
}

func TestBeginInitializesEvent(t *testing.T) {
	var logs bytes.Buffer
	clock := &fakeClock{t: time.UnixMilli(123456789)}
	tr := newTestTracker(&logs, clock)
	st := NewState()

	id := tr.Begin(st, protocol.ActionText, "johndoe", 123456)
	if id != "abcdef" {
		t.Errorf("request id = %q, want abcdef", id)
	}

	ev, ok := Current(st)
	if !ok {
		t.Fatal("no active event after Begin")
	}
	if ev.StartTime != 123456789 {
		t.Errorf("StartTime = %d, want 123456789", ev.StartTime)
	}
	if ev.EndTime != nil || ev.Elapsed != nil || ev.Result != "" {
		t.Errorf("terminal fields set before finalize: %+v", ev)
	}
	if ev.Metadata.Service != ServiceName {
		t.Errorf("Metadata.Service = %q", ev.Metadata.Service)
	}
	if v, _ := st.Get(KeyUsername); v != "johndoe" {
		t.Errorf("username = %v", v)
	}

	var rec map[string]interface{}
	if err := json.Unmarshal(logs.Bytes(), &rec); err != nil {
		t.Fatalf("arrived log is not JSON: %v", err)
	}
	if rec["msg"] != "request_arrived" || rec["request_id"] != "abcdef" || rec["action"] != "text" {
		t.Errorf("unexpected arrived log: %v", rec)
	}
}

func TestFinalizeComputesElapsed(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1000)}
	sink := &recordingSink{}
	tr := newTestTracker(io.Discard, clock, sink)
	st := NewState()

	tr.Begin(st, protocol.ActionStart, "johndoe", 1)
	clock.t = time.UnixMilli(1750)

	ev := tr.Finalize(st, protocol.ResultSuccess)
	if ev == nil {
		t.Fatal("Finalize returned nil for an active request")
	}
	if ev.EndTime == nil || *ev.EndTime != 1750 {
		t.Errorf("EndTime = %v, want 1750", ev.EndTime)
	}
	if ev.Elapsed == nil || *ev.Elapsed != *ev.EndTime-ev.StartTime {
		t.Errorf("Elapsed = %v, want %d", ev.Elapsed, *ev.EndTime-ev.StartTime)
	}
	if ev.Result != protocol.ResultSuccess {
		t.Errorf("Result = %q, want success", ev.Result)
	}
	if st.Len() != 0 {
		t.Errorf("state holds %d values after finalize, want 0", st.Len())
	}
	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events, want 1", len(sink.events))
	}
}

func TestFinalizeWithoutBegin(t *testing.T) {
	var logs bytes.Buffer
	tr := newTestTracker(&logs, &fakeClock{t: time.Now()})
	st := NewState()
	st.Set("leftover", true)

	if ev := tr.Finalize(st, protocol.ResultSuccess); ev != nil {
		t.Errorf("Finalize without Begin returned %+v", ev)
	}
	if !strings.Contains(logs.String(), "request_served_no_request_id") {
		t.Errorf("expected warning, got %q", logs.String())
	}
	if st.Len() != 0 {
		t.Error("state not cleared")
	}
}

func TestFinalizeTwice(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(0)}
	sink := &recordingSink{}
	tr := newTestTracker(io.Discard, clock, sink)
	st := NewState()

	tr.Begin(st, protocol.ActionHelp, "johndoe", 1)
	clock.t = time.UnixMilli(10)
	first := tr.Finalize(st, protocol.ResultSuccess)

	clock.t = time.UnixMilli(99)
	if second := tr.Finalize(st, protocol.ResultError); second != nil {
		t.Errorf("second Finalize returned %+v, want nil", second)
	}
	if *first.Elapsed != 10 || first.Result != protocol.ResultSuccess {
		t.Errorf("first event mutated by second finalize: %+v", first)
	}
	if len(sink.events) != 1 {
		t.Errorf("sink got %d events, want 1", len(sink.events))
	}
}

func TestFinalizeClearsStateWhenSinkFails(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	tr := newTestTracker(io.Discard, &fakeClock{t: time.Now()}, sink)
	st := NewState()

	tr.Begin(st, protocol.ActionText, "johndoe", 1)
	tr.Finalize(st, protocol.ResultError)

	if st.Len() != 0 {
		t.Errorf("state holds %d values, want 0", st.Len())
	}
}

func TestFinalizeClearsStateWhenSinkPanics(t *testing.T) {
	tr := newTestTracker(io.Discard, &fakeClock{t: time.Now()}, panicSink{})
	st := NewState()
	tr.Begin(st, protocol.ActionText, "johndoe", 1)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected sink panic to propagate")
			}
		}()
		tr.Finalize(st, protocol.ResultSuccess)
	}()

	if st.Len() != 0 {
		t.Errorf("state holds %d values, want 0", st.Len())
	}
}

func TestAttachFile(t *testing.T) {
	tr := newTestTracker(io.Discard, &fakeClock{t: time.Now()})
	st := NewState()

	artifact := protocol.FileArtifact{Name: "file.txt", Size: 0.5, Hash: "abcdef", ID: "123456"}

	var perr *PreconditionError
	if err := tr.AttachFile(st, artifact); !errors.As(err, &perr) {
		t.Fatalf("AttachFile without Begin error = %v, want PreconditionError", err)
	}

	tr.Begin(st, protocol.ActionFile, "johndoe", 1)
	if err := tr.AttachFile(st, artifact); err != nil {
		t.Fatalf("AttachFile error: %v", err)
	}
	ev, _ := Current(st)
	if ev.File == nil || *ev.File != artifact {
		t.Errorf("File = %+v, want %+v", ev.File, artifact)
	}

	if err := tr.AttachFile(st, protocol.FileArtifact{Name: "other"}); !errors.As(err, &perr) {
		t.Errorf("second AttachFile error = %v, want PreconditionError", err)
	}
	if ev.File.Name != "file.txt" {
		t.Errorf("artifact replaced: %+v", ev.File)
	}
}

func TestStoreAcquireRelease(t *testing.T) {
	store := NewStore()

	st := store.Acquire(42)
	if store.Acquire(42) != st {
		t.Error("Acquire returned a different state for the same chat")
	}

	st.Set(KeyRequestID, "abc")
	store.Release(42)
	if store.Len() != 1 {
		t.Errorf("Release dropped a non-empty state")
	}

	st.Clear()
	store.Release(42)
	if store.Len() != 0 {
		t.Errorf("Len = %d after release, want 0", store.Len())
	}
}
