// internal/protocol/types.go
package protocol

// Action tags what the user asked the bot to do
type Action string

const (
	ActionStart Action = "start"
	ActionHelp  Action = "help"
	ActionText  Action = "text"
	ActionFile  Action = "file"
)

// Result is the outcome a request is served with
type Result string

const (
	ResultSuccess       Result = "success"
	ResultCancelled     Result = "cancelled"
	ResultError         Result = "error"
	ResultFileTooBig    Result = "file_too_big"
	ResultDownloadError Result = "download_error"
)

// Sender identifies who sent an update
type Sender struct {
	Username     string
	ID           int64
	LanguageCode string
}

// FileHandle points at a document held by the chat platform
type FileHandle struct {
	ID       string
	Name     string
	SizeHint int64 // bytes, 0 when the platform did not report one
}

// Update is the narrow view of an incoming chat event
type Update struct {
	ChatID int64
	Action Action
	Sender Sender
	Text   string
	File   *FileHandle
}

// FileArtifact describes a file received from a user
type FileArtifact struct {
	Name string  `json:"name"`
	Size float64 `json:"size"` // megabytes
	Hash string  `json:"hash"`
	ID   string  `json:"id"`
}

// EventMetadata tags every event with the service that produced it
type EventMetadata struct {
	Service    string `json:"service"`
	Integrator string `json:"integrator"`
}

// RequestEvent is the lifecycle record of one user interaction.
// EndTime, Elapsed and Result are set together when the request is served.
type RequestEvent struct {
	Metadata  EventMetadata `json:"metadata"`
	RequestID string        `json:"request_id"`
	Action    Action        `json:"action"`
	Username  string        `json:"username"`
	UserID    int64         `json:"user_id"`
	StartTime int64         `json:"start_time"` // unix ms
	EndTime   *int64        `json:"end_time"`
	Elapsed   *int64        `json:"elapsed"` // ms
	Result    Result        `json:"result,omitempty"`
	File      *FileArtifact `json:"file,omitempty"`
}

// Served reports whether the event was finalized
func (e *RequestEvent) Served() bool {
	return e.EndTime != nil
}

// Stat keys of a VirusTotal analysis
const (
	StatHarmless        = "harmless"
	StatMalicious       = "malicious"
	StatSuspicious      = "suspicious"
	StatUndetected      = "undetected"
	StatTypeUnsupported = "type-unsupported"
)

// AnalysisResult is a completed analysis returned by the scanner
type AnalysisResult struct {
	ID     string         `json:"id"`
	Status string         `json:"status"` // "queued", "in-progress", "completed"
	Stats  map[string]int `json:"stats"`
}

// Clean reports whether no engine flagged the target
func (r *AnalysisResult) Clean() bool {
	return r.Stats[StatMalicious] == 0 && r.Stats[StatSuspicious] == 0
}
