package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Request represents a JSON-RPC request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// Validate checks if the request is valid
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("invalid jsonrpc version: %s", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// IsNotification returns true if this is a notification (no ID)
func (r *Request) IsNotification() bool {
	return r.ID.IsNull()
}

// ParseRequest parses a single JSON-RPC request from bytes
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return &req, nil
}

// NewRequest creates a new JSON-RPC request
func NewRequest(method string, params interface{}, id ID) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		Method:  method,
		ID:      id,
	}

	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsBytes
	}

	return req, nil
}

// Bytes returns the request as JSON bytes
func (r *Request) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// IsSubscribeMethod returns true if the method is realtime_subscribe
func (r *Request) IsSubscribeMethod() bool {
	return r.Method == MethodRealtimeSubscribe
}

// IsUnsubscribeMethod returns true if the method is realtime_unsubscribe
func (r *Request) IsUnsubscribeMethod() bool {
	return r.Method == MethodRealtimeUnsubscribe
}

// GetSubscriptionTarget extracts the table name and the optional filter
// object from realtime_subscribe params: [table, {"k": ..., "v": ...}]
func (r *Request) GetSubscriptionTarget() (string, json.RawMessage, error) {
	if !r.IsSubscribeMethod() {
		return "", nil, fmt.Errorf("not a subscribe request")
	}

	var params []json.RawMessage
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return "", nil, fmt.Errorf("invalid params format: %w", err)
	}

	if len(params) == 0 {
		return "", nil, fmt.Errorf("table is required")
	}

	var table string
	if err := json.Unmarshal(params[0], &table); err != nil {
		return "", nil, fmt.Errorf("invalid table: %w", err)
	}

	var filter json.RawMessage
	if len(params) > 1 {
		filter = params[1]
	}

	return table, filter, nil
}

// GetUnsubscribeID extracts the subscription ID from unsubscribe params
func (r *Request) GetUnsubscribeID() (string, error) {
	if !r.IsUnsubscribeMethod() {
		return "", fmt.Errorf("not an unsubscribe request")
	}

	var params []string
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return "", fmt.Errorf("invalid params format: %w", err)
	}

	if len(params) == 0 {
		return "", fmt.Errorf("subscription ID is required")
	}

	return params[0], nil
}
