// Package taskevent defines the tagged-union event stream emitted by a
// running task: the typed frames a worker container produces interleaved
// with bookkeeping the streamer itself injects.
package taskevent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tag discriminates the kind of Event carried over the wire.
type Tag string

// The closed set of event tags a worker or the streamer may emit.
const (
	TagConnection Tag = "connection"
	TagWorker     Tag = "worker"
	TagTextDelta  Tag = "text_delta"
	TagText       Tag = "text"
	TagLogs       Tag = "logs"
	TagTaskFinish Tag = "task_finish"
)

// Event is the union of every frame the streamer can hand to a caller. Only
// the field matching Tag is populated.
type Event struct {
	Tag        Tag
	Connection *Connection
	Worker     *Worker
	TextDelta  *TextDelta
	Text       *Text
	Logs       *Logs
	TaskFinish *TaskFinish
}

// Connection reports the outcome of resource acquisition for a request.
type Connection struct {
	Status    string `json:"status"`
	GpuID     string `json:"gpu_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Worker reports a lifecycle milestone of the worker container.
type Worker struct {
	Status      string `json:"status"`
	ContainerID string `json:"container_id,omitempty"`
}

// TextDelta carries an incremental chunk of generated text.
type TextDelta struct {
	Delta string `json:"delta"`
}

// Text carries a complete text payload (non-incremental).
type Text struct {
	Content string `json:"content"`
}

// Logs carries an unparsed or auxiliary log line.
type Logs struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// TaskFinish is the single terminal event every stream ends with.
type TaskFinish struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed int64  `json:"elapsed_ms,omitempty"` // milliseconds
}

// NewConnection builds a Connection event.
func NewConnection(c Connection) Event { return Event{Tag: TagConnection, Connection: &c} }

// NewWorker builds a Worker event.
func NewWorker(w Worker) Event { return Event{Tag: TagWorker, Worker: &w} }

// NewTextDelta builds a TextDelta event.
func NewTextDelta(delta string) Event {
	return Event{Tag: TagTextDelta, TextDelta: &TextDelta{Delta: delta}}
}

// NewText builds a Text event.
func NewText(content string) Event {
	return Event{Tag: TagText, Text: &Text{Content: content}}
}

// NewLogs builds a Logs event at the given level.
func NewLogs(level, message string) Event {
	return Event{Tag: TagLogs, Logs: &Logs{Level: level, Message: message}}
}

// NewTaskFinish builds the terminal TaskFinish event.
func NewTaskFinish(status, errMsg string, elapsed time.Duration) Event {
	return Event{Tag: TagTaskFinish, TaskFinish: &TaskFinish{Status: status, Error: errMsg, Elapsed: elapsed.Milliseconds()}}
}

// frame is the wire shape of one line emitted by a worker: a string
// discriminator plus whatever sibling fields belong to that tag.
type frame struct {
	Event string `json:"event"`

	Status      string `json:"status"`
	GpuID       string `json:"gpu_id"`
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	ContainerID string `json:"container_id"`
	Delta       string `json:"delta"`
	Content     string `json:"content"`
	Level       string `json:"level"`
	Error       string `json:"error"`
}

// ParseLine attempts to decode a single raw worker log line as a framed
// event. ok is false when the line is not a recognized frame (not JSON, or
// JSON without a recognized "event" discriminator); callers should degrade
// that case to a Logs event, per the InstanceStreamer contract.
func ParseLine(line []byte) (Event, bool) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Event{}, false
	}

	switch Tag(f.Event) {
	case TagConnection:
		return NewConnection(Connection{Status: f.Status, GpuID: f.GpuID, SessionID: f.SessionID, Message: f.Message}), true
	case TagWorker:
		return NewWorker(Worker{Status: f.Status, ContainerID: f.ContainerID}), true
	case TagTextDelta:
		return NewTextDelta(f.Delta), true
	case TagText:
		return NewText(f.Content), true
	case TagLogs:
		return NewLogs(f.Level, f.Message), true
	case TagTaskFinish:
		return NewTaskFinish(f.Status, f.Error, 0), true
	default:
		return Event{}, false
	}
}

// Payload returns the JSON-serializable payload carried by the event,
// regardless of which variant is set. Used by the SSE encoder.
func (e Event) Payload() interface{} {
	switch e.Tag {
	case TagConnection:
		return e.Connection
	case TagWorker:
		return e.Worker
	case TagTextDelta:
		return e.TextDelta
	case TagText:
		return e.Text
	case TagLogs:
		return e.Logs
	case TagTaskFinish:
		return e.TaskFinish
	default:
		return nil
	}
}

// MarshalJSON renders the event's payload, used when embedding an Event in
// SSE "data:" lines.
func (e Event) MarshalJSON() ([]byte, error) {
	p := e.Payload()
	if p == nil {
		return nil, fmt.Errorf("taskevent: event has no tag set")
	}
	return json.Marshal(p)
}
