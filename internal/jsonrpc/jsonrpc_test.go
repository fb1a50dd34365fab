package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestIsNotification(t *testing.T) {
	withID := Request{ID: json.RawMessage("1")}
	if withID.IsNotification() {
		t.Fatal("request with an id must not be a notification")
	}
	without := Request{}
	if !without.IsNotification() {
		t.Fatal("request with no id must be a notification")
	}
}

func TestNewResultMarshalsResult(t *testing.T) {
	resp := NewResult(json.RawMessage("7"), map[string]string{"status": "VALID"})
	if resp.Error != nil {
		t.Fatalf("expected no error, got %+v", resp.Error)
	}
	var decoded map[string]string
	if err := json.Unmarshal(resp.Result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["status"] != "VALID" {
		t.Fatalf("unexpected decoded result: %v", decoded)
	}
}

func TestNewErrorShape(t *testing.T) {
	resp := NewError(json.RawMessage("1"), MethodNotFoundCode, "method not found")
	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	if resp.Error.Code != MethodNotFoundCode {
		t.Fatalf("expected code %d, got %d", MethodNotFoundCode, resp.Error.Code)
	}
}

func TestParseErrorUsesNullID(t *testing.T) {
	resp := ParseError()
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
	if resp.Error.Code != ParseErrorCode {
		t.Fatalf("expected parse error code, got %d", resp.Error.Code)
	}
}

func TestResponseRoundTripsThroughJSON(t *testing.T) {
	resp := NewErrorWithData(json.RawMessage("3"), UnknownPayloadCode, "unknown payload", map[string]string{"payloadId": "0x01"})
	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Response
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Error.Code != UnknownPayloadCode {
		t.Fatalf("expected code %d after round-trip, got %d", UnknownPayloadCode, decoded.Error.Code)
	}
}
