// Package node tracks connected worker nodes and relays commands to them
// over websocket. The hub side lives in the bridge; the agent side runs on
// the worker and answers the hub's requests.
package node

import "encoding/json"

// Frame kinds. Every message on a node connection is one JSON frame.
const (
	KindRegister = "register"
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Frame is the single wire shape for both directions. ID correlates a
// response with its request; Action names the operation for request and
// event frames.
type Frame struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RegisterPayload is the payload of the first frame an agent sends.
type RegisterPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
