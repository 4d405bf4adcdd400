package jsonrpc

import "encoding/json"

// Version is the JSON-RPC version
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server error codes range: -32000 to -32099
	CodeServerError = -32000
	CodeTooManySubs = -32001
)

// Methods spoken by the document API and the realtime feed
const (
	MethodMarketsByIDs         = "markets-by-ids"
	MethodRealtimeSubscribe    = "realtime_subscribe"
	MethodRealtimeUnsubscribe  = "realtime_unsubscribe"
	MethodRealtimeSubscription = "realtime_subscription"
)

// ID represents a JSON-RPC request/response ID
// It can be a string, number, or null
type ID struct {
	value interface{}
}

// NewIDInt creates an ID from an integer
func NewIDInt(n int64) ID {
	return ID{value: n}
}

// NewIDNull creates a null ID
func NewIDNull() ID {
	return ID{value: nil}
}

// IsNull returns true if the ID is null
func (id ID) IsNull() bool {
	return id.value == nil
}

// Value returns the underlying value. Numbers decoded from JSON are float64.
func (id ID) Value() interface{} {
	return id.value
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &id.value)
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// IsServerError reports whether the error came from the server failing
// rather than from the request: internal errors and the -32000..-32099
// implementation-defined range
func (e *Error) IsServerError() bool {
	return e.Code == CodeInternalError || (e.Code <= CodeServerError && e.Code >= -32099)
}

// NewError creates a new JSON-RPC error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Common errors
var (
	ErrParse          = NewError(CodeParseError, "Parse error")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "Method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "Invalid params")
)

// SubscriptionNotification represents a subscription event notification
type SubscriptionNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionParams `json:"params"`
}

// SubscriptionParams contains the subscription notification parameters
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// NewSubscriptionNotification wraps a realtime event for delivery to a subscriber
func NewSubscriptionNotification(subscriptionID string, result interface{}) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SubscriptionNotification{
		JSONRPC: Version,
		Method:  MethodRealtimeSubscription,
		Params: SubscriptionParams{
			Subscription: subscriptionID,
			Result:       data,
		},
	})
}

// IsNotification reports whether a raw message is a subscription notification
// rather than a response
func IsNotification(data []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Method == MethodRealtimeSubscription
}
