// internal/session/tracker.go
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/signalnine/vtbot/internal/protocol"
)

// Keys under which the tracker keeps request data in a conversation State
const (
	KeyRequestID = "request_id"
	KeyUsername  = "username"
	KeyUserID    = "id"
	KeyEventInfo = "event_info"
)

// ServiceName and Integrator are stamped on every event
const (
	ServiceName = "virus total telegram bot"
	Integrator  = "signalnine"
)

// PreconditionError reports a lifecycle call made out of order
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("session %s: %s", e.Op, e.Reason)
}

// Sink receives every served event
type Sink interface {
	RecordEvent(ev *protocol.RequestEvent) error
}

// Tracker stamps arrival and departure of requests and clears the
// conversation state once a request is served.
type Tracker struct {
	logger *slog.Logger
	sinks  []Sink
	now    func() time.Time
	newID  func() string
}

// NewTracker creates a tracker reporting served events to sinks
func NewTracker(logger *slog.Logger, sinks ...Sink) *Tracker {
	return &Tracker{
		logger: logger.With(slog.String("component", "tracker")),
		sinks:  sinks,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (t *Tracker) nowMillis() int64 {
	return t.now().UnixMilli()
}

// Begin starts the lifecycle record of a request and returns its id
func (t *Tracker) Begin(st *State, action protocol.Action, username string, userID int64) string {
	requestID := t.newID()

	st.Set(KeyRequestID, requestID)
	st.Set(KeyUsername, username)
	st.Set(KeyUserID, userID)
	st.Set(KeyEventInfo, &protocol.RequestEvent{
		Metadata:  protocol.EventMetadata{Service: ServiceName, Integrator: Integrator},
		RequestID: requestID,
		Action:    action,
		Username:  username,
		UserID:    userID,
		StartTime: t.nowMillis(),
	})

	t.logger.Info("request_arrived",
		slog.String("action", string(action)),
		slog.String("username", username),
		slog.Int64("user_id", userID),
		slog.String("request_id", requestID),
	)
	return requestID
}

// Current returns the active event of a conversation
func Current(st *State) (*protocol.RequestEvent, bool) {
	v, ok := st.Get(KeyEventInfo)
	if !ok {
		return nil, false
	}
	ev, ok := v.(*protocol.RequestEvent)
	return ev, ok && ev != nil
}

// AttachFile records the file of a file request. The artifact is immutable
// once attached.
func (t *Tracker) AttachFile(st *State, f protocol.FileArtifact) error {
	ev, ok := Current(st)
	if !ok {
		return &PreconditionError{Op: "attach_file", Reason: "no active request"}
	}
	if ev.File != nil {
		return &PreconditionError{Op: "attach_file", Reason: "file already attached"}
	}
	ev.File = &f

	t.logger.Info("file_received",
		slog.String("request_id", ev.RequestID),
		slog.String("name", f.Name),
		slog.Float64("size_mb", f.Size),
		slog.String("size", humanize.Bytes(uint64(f.Size*1024*1024))),
		slog.String("hash", f.Hash),
		slog.String("file_id", f.ID),
	)
	return nil
}

// Finalize stamps the end of the active request, reports it and clears the
// conversation state. State is cleared on every path, including a failing or
// panicking sink. Finalizing without an active request only logs a warning.
func (t *Tracker) Finalize(st *State, result protocol.Result) *protocol.RequestEvent {
	defer st.Clear()

	ev, ok := Current(st)
	if !ok {
		t.logger.Warn("request_served_no_request_id")
		return nil
	}
	if ev.Served() {
		t.logger.Warn("request_already_served", slog.String("request_id", ev.RequestID))
		return ev
	}

	end := t.nowMillis()
	elapsed := end - ev.StartTime
	ev.EndTime = &end
	ev.Elapsed = &elapsed
	ev.Result = result

	t.logger.Info("request_served",
		slog.String("request_id", ev.RequestID),
		slog.Any("user_data", st.Snapshot()),
	)

	for _, s := range t.sinks {
		if err := s.RecordEvent(ev); err != nil {
			t.logger.Error("record_served_event",
				slog.String("request_id", ev.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ev
}
