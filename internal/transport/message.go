package transport

import (
	"encoding/json"
)

// jsonNull is the JSON literal "null", used to detect nil-equivalent
// json.RawMessage values that are non-nil Go slices.
const jsonNull = "null"

// Kind classifies a parsed JSON-RPC message by the fields it carries.
type Kind int

// Message kinds.
const (
	KindOpaque Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Message is the JSON-RPC 2.0 envelope with only the fields the gateway
// consults. Params, Result, and Error stay as raw JSON — forwarding opaque
// frames byte-for-byte is a correctness requirement, so the envelope never
// forces a stricter schema.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Parse attempts to decode a frame as a JSON object. A failure classifies
// the frame as opaque; it does not invalidate the frame.
func Parse(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && string(m.ID) != jsonNull
}

// Kind classifies the message by presence of method, id, result, and error.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case len(m.Result) > 0 || len(m.Error) > 0:
		return KindResponse
	default:
		return KindOpaque
	}
}

// IDString renders the id for event details: unquoted for string ids, the
// raw literal otherwise.
func (m *Message) IDString() string {
	if !m.HasID() {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// Fixed parameter locations inspected for file paths, in check order: the
// four tools/call argument keys first, then the two top-level params keys.
var (
	filePathArgKeys   = []string{"path", "filePath", "file", "directory"}
	filePathParamKeys = []string{"path", "filePath"}
)

// FilePathCandidates collects string-valued file-path parameters from the
// fixed locations params.arguments.{path,filePath,file,directory} and
// params.{path,filePath}, in that order. Non-string values are skipped.
func (m *Message) FilePathCandidates() []string {
	if len(m.Params) == 0 || string(m.Params) == jsonNull {
		return nil
	}

	var params map[string]any
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return nil
	}

	var candidates []string
	if args, ok := params["arguments"].(map[string]any); ok {
		for _, key := range filePathArgKeys {
			if s, ok := args[key].(string); ok {
				candidates = append(candidates, s)
			}
		}
	}
	for _, key := range filePathParamKeys {
		if s, ok := params[key].(string); ok {
			candidates = append(candidates, s)
		}
	}
	return candidates
}

// ToolName returns params.name when it is a string, for tools/call events.
func (m *Message) ToolName() string {
	if len(m.Params) == 0 || string(m.Params) == jsonNull {
		return ""
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return ""
	}
	return params.Name
}

// RPCError is a synthetic JSON-RPC 2.0 error response manufactured by the
// gateway on behalf of the child.
type RPCError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   RPCErrorDetail  `json:"error"`
}

// RPCErrorDetail is the error member of a synthetic response.
type RPCErrorDetail struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *RPCErrorData `json:"data,omitempty"`
}

// RPCErrorData carries the violation list on the wire.
type RPCErrorData struct {
	Violations []string `json:"violations"`
}

// NewBlockResponse builds the synthetic error frame for a blocked message.
// The jsonrpc and id fields echo the original message.
func NewBlockResponse(m *Message, code int, message string, violations []string) []byte {
	resp := RPCError{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Error: RPCErrorDetail{
			Code:    code,
			Message: message,
			Data:    &RPCErrorData{Violations: violations},
		},
	}
	data, _ := json.Marshal(resp) //nolint:errcheck // marshaling known-good struct
	return data
}
