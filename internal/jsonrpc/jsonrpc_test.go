package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(MethodMarketsByIDs, [][]string{{"c1", "c2"}}, NewIDInt(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := req.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"jsonrpc":"2.0","method":"markets-by-ids","params":[["c1","c2"]],"id":7}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	parsed, err := ParseRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := parsed.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if parsed.IsNotification() {
		t.Error("request with id is not a notification")
	}
}

func TestRequest_Validate(t *testing.T) {
	cases := map[string]string{
		"wrong version":  `{"jsonrpc":"1.0","method":"x","id":1}`,
		"missing method": `{"jsonrpc":"2.0","id":1}`,
	}
	for name, raw := range cases {
		req, err := ParseRequest([]byte(raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if err := req.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestRequest_GetSubscriptionTarget(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"realtime_subscribe","params":["contract_comments",{"k":"contract_id","v":"c1"}],"id":"a"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	table, filter, err := req.GetSubscriptionTarget()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table != "contract_comments" {
		t.Errorf("unexpected table %q", table)
	}

	var f struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	if err := json.Unmarshal(filter, &f); err != nil {
		t.Fatalf("filter: %v", err)
	}
	if f.K != "contract_id" || f.V != "c1" {
		t.Errorf("unexpected filter %+v", f)
	}

	bad, _ := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"realtime_subscribe","params":[],"id":1}`))
	if _, _, err := bad.GetSubscriptionTarget(); err == nil {
		t.Error("expected error for missing table")
	}

	other, _ := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"realtime_unsubscribe","params":["s1"],"id":1}`))
	if _, _, err := other.GetSubscriptionTarget(); err == nil {
		t.Error("expected error for non-subscribe request")
	}
	id, err := other.GetUnsubscribeID()
	if err != nil || id != "s1" {
		t.Errorf("GetUnsubscribeID() = %q, %v", id, err)
	}
}

func TestResponse_Errors(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"bad ids"},"id":1}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !resp.HasError() {
		t.Fatal("expected error")
	}
	if resp.Error.IsServerError() {
		t.Error("invalid params is not a server error")
	}
	if resp.Error.Error() != "bad ids" {
		t.Errorf("unexpected message %q", resp.Error.Error())
	}

	for _, code := range []int{CodeServerError, CodeTooManySubs, CodeInternalError, -32099} {
		resp.Error.Code = code
		if !resp.Error.IsServerError() {
			t.Errorf("code %d should be a server error", code)
		}
	}
	resp.Error.Code = -32100
	if resp.Error.IsServerError() {
		t.Error("code -32100 is outside the server range")
	}
}

func TestResponse_ResultIsNull(t *testing.T) {
	null, _ := ParseResponse([]byte(`{"jsonrpc":"2.0","result":null,"id":1}`))
	if !null.ResultIsNull() {
		t.Error("expected null result")
	}

	ok, _ := NewResponse(NewIDInt(1), []string{"c1"})
	if ok.ResultIsNull() {
		t.Error("expected non-null result")
	}
	var ids []string
	if err := ok.GetResultAs(&ids); err != nil || len(ids) != 1 {
		t.Errorf("GetResultAs() = %v, %v", ids, err)
	}
}

func TestNewSubscriptionNotification(t *testing.T) {
	data, err := NewSubscriptionNotification("sub-1", map[string]string{"type": "INSERT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsNotification(data) {
		t.Error("expected notification")
	}

	var n SubscriptionNotification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Params.Subscription != "sub-1" || string(n.Params.Result) != `{"type":"INSERT"}` {
		t.Errorf("unexpected notification %+v", n)
	}

	if IsNotification([]byte(`{"jsonrpc":"2.0","result":"x","id":1}`)) {
		t.Error("response is not a notification")
	}
}
