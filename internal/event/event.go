package event

import (
	"encoding/json"
	"time"
)

// Type enumerates every event kind the bridge can emit. Dispatch switches on
// this closed set; free-form strings never enter the stream.
type Type string

const (
	TypeStatus          Type = "status"
	TypeProcessStarted  Type = "process:started"
	TypeProcessStopped  Type = "process:stopped"
	TypeProcessExited   Type = "process:exited"
	TypeProcessError    Type = "process:error"
	TypeConfigUpdated   Type = "config:updated"
	TypeTunnelStatus    Type = "tunnel:status"
	TypeTunnelList      Type = "tunnel:list"
	TypeInstallCheck    Type = "install:check"
	TypeInstallStart    Type = "install:downloading"
	TypeInstallProgress Type = "install:progress"
	TypeInstallComplete Type = "install:complete"
	TypeInstallError    Type = "install:error"
	TypeInstallUpToDate Type = "install:up-to-date"
	TypeHeartbeat       Type = "heartbeat"
)

// Event is one item on the broadcast stream. Payload is kept opaque so that
// producers can attach arbitrary JSON-serializable content.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an Event stamped with the current time. The payload is marshaled
// eagerly; a payload that cannot marshal is replaced by null rather than
// propagating an error to the producer.
func New(t Type, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}
