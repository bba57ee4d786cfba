package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// message is the single wire shape for requests, responses and
// notifications. Which one it is follows from the presence of Method and ID.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *message) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

func (m *message) isRequest() bool {
	return m.Method != "" && len(m.ID) > 0 && string(m.ID) != "null"
}

func (m *message) isNotification() bool {
	return m.Method != "" && (len(m.ID) == 0 || string(m.ID) == "null")
}

// ErrorData carries the machine-readable error kind.
type ErrorData struct {
	Kind string `json:"kind"`
}

// Error is a JSON-RPC error object. Handlers may return one directly to
// control the code and kind seen by the peer.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil && e.Data.Kind != "" {
		return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Data.Kind, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind returns the error kind, or "" when none was sent.
func (e *Error) Kind() string {
	if e == nil || e.Data == nil {
		return ""
	}
	return e.Data.Kind
}

// NewError builds an Error with a kind.
func NewError(code int, kind, msg string) *Error {
	e := &Error{Code: code, Message: msg}
	if kind != "" {
		e.Data = &ErrorData{Kind: kind}
	}
	return e
}

// ErrorKind extracts the kind of an *Error anywhere in err's chain.
func ErrorKind(err error) string {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind()
	}
	return ""
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}
