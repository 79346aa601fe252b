package subscribe

import (
	"encoding/json"

	"github.com/fsx-project/fsx/pkg/pathutil"
)

// MessageResult is handleMessage's response, marshaled back to the client
// as the WebSocket front door's ack frame. Its shape follows the wire
// protocol's outbound frames exactly: "subscribed"/"unsubscribed" carry
// Path (and, for subscribe, Recursive); "error" carries Code and Message
// instead.
type MessageResult struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// rawMessage documents the wire shape of an inbound client frame.
// HandleMessage itself decodes into a generic map, so that type validation
// is explicit rather than implicit in unmarshal (e.g. "path" absent vs.
// "path": 5).
type rawMessage struct {
	Type      string      `json:"type"`
	Path      interface{} `json:"path"`
	Group     string      `json:"group"`
	Recursive bool        `json:"recursive"`
}

// Error codes returned in MessageResult.Code.
const (
	ErrInvalidJSON  = "invalid_json"
	ErrMissingType  = "missing_type"
	ErrUnknownType  = "unknown_type"
	ErrMissingPath  = "missing_path"
	ErrInvalidPath  = "invalid_path"
	ErrLimitReached = "limit_reached"
)

func errorResult(code, message string) MessageResult {
	return MessageResult{Type: "error", Code: code, Message: message}
}

// HandleMessage parses a raw client frame and dispatches a subscribe or
// unsubscribe against conn.
func (r *Registry) HandleMessage(conn ConnID, raw string) MessageResult {
	var msg map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return errorResult(ErrInvalidJSON, "message is not valid JSON")
	}
	if msg == nil {
		return errorResult(ErrInvalidJSON, "message is not valid JSON")
	}

	typeVal, hasType := msg["type"]
	if !hasType {
		return errorResult(ErrMissingType, "missing required field: type")
	}
	typeStr, ok := typeVal.(string)
	if !ok || (typeStr != "subscribe" && typeStr != "unsubscribe") {
		return errorResult(ErrUnknownType, `type must be "subscribe" or "unsubscribe"`)
	}

	pathVal, hasPath := msg["path"]
	if !hasPath {
		return errorResult(ErrMissingPath, "missing required field: path")
	}
	pathStr, ok := pathVal.(string)
	if !ok {
		return errorResult(ErrInvalidPath, "path must be a string")
	}
	if _, err := normalizePattern(pathStr); err != nil {
		return errorResult(ErrInvalidPath, err.Error())
	}

	group, _ := msg["group"].(string)
	recursive, _ := msg["recursive"].(bool)

	switch typeStr {
	case "subscribe":
		pattern := pathStr
		if recursive {
			if p, err := pathutil.Join(pathStr, "**"); err == nil {
				pattern = p
			}
		}
		ok, err := r.Subscribe(conn, pattern, group)
		if err != nil {
			return errorResult(ErrInvalidPath, err.Error())
		}
		if !ok {
			return errorResult(ErrLimitReached, "subscription limit reached for this connection")
		}
		return MessageResult{Type: "subscribed", Path: pathStr, Recursive: recursive}
	case "unsubscribe":
		if _, err := r.Unsubscribe(conn, pathStr); err != nil {
			return errorResult(ErrInvalidPath, err.Error())
		}
		return MessageResult{Type: "unsubscribed", Path: pathStr}
	}

	return errorResult(ErrUnknownType, "unknown message type")
}
