package dwp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func TestNewRequestFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewRequestFrame("req-1", MethodRunStart, RunStartRequest{Workflow: "greet"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	if frame.Type != FrameRequest {
		t.Errorf("Type = %q, want %q", frame.Type, FrameRequest)
	}
	if frame.Method != MethodRunStart {
		t.Errorf("Method = %q, want %q", frame.Method, MethodRunStart)
	}
	var req RunStartRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if req.Workflow != "greet" {
		t.Errorf("Workflow = %q, want %q", req.Workflow, "greet")
	}

	bare, err := NewRequestFrame("req-2", MethodStats, nil)
	if err != nil {
		t.Fatalf("NewRequestFrame(nil): %v", err)
	}
	if bare.Data != nil {
		t.Errorf("Data = %s, want nil", bare.Data)
	}
}

func TestNewResponseFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewResponseFrame("req-1", map[string]string{"status": "ok"})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if frame.Type != FrameResponse {
		t.Errorf("Type = %q, want %q", frame.Type, FrameResponse)
	}
	if frame.CorrelID != "req-1" {
		t.Errorf("CorrelID = %q, want %q", frame.CorrelID, "req-1")
	}
	if frame.ID == "" {
		t.Error("ID should be generated")
	}
}

func TestNewErrorFrame(t *testing.T) {
	t.Parallel()

	frame := NewErrorFrame("req-1", ErrCodeNotFound, "run not found")
	if frame.Type != FrameErr {
		t.Errorf("Type = %q, want %q", frame.Type, FrameErr)
	}
	if frame.Error == nil || frame.Error.Code != ErrCodeNotFound {
		t.Fatalf("Error = %+v, want code %d", frame.Error, ErrCodeNotFound)
	}
	if frame.Error.Message != "run not found" {
		t.Errorf("Message = %q", frame.Error.Message)
	}
}

func TestNewEventFrame(t *testing.T) {
	t.Parallel()

	channel := StreamChannel("run_01")
	frame, err := NewEventFrame(channel, MethodStreamChunk, map[string]int{"index": 3})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if frame.Type != FrameEvent {
		t.Errorf("Type = %q, want %q", frame.Type, FrameEvent)
	}
	if frame.Channel != "stream:run_01" {
		t.Errorf("Channel = %q, want %q", frame.Channel, "stream:run_01")
	}
	if frame.Method != MethodStreamChunk {
		t.Errorf("Method = %q, want %q", frame.Method, MethodStreamChunk)
	}
}

func TestGenerateFrameID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		fid := GenerateFrameID()
		if fid == "" {
			t.Fatal("GenerateFrameID returned empty string")
		}
		if _, dup := seen[fid]; dup {
			t.Fatalf("duplicate frame ID %q", fid)
		}
		seen[fid] = struct{}{}
	}
}

func TestCodecRoundtrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		codec  Codec
		name   string
		opCode ws.OpCode
	}{
		{&JSONCodec{}, CodecNameJSON, ws.OpText},
		{&MsgpackCodec{}, CodecNameMsgpack, ws.OpBinary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.codec.Name() != tt.name {
				t.Errorf("Name = %q, want %q", tt.codec.Name(), tt.name)
			}
			if tt.codec.OpCode() != tt.opCode {
				t.Errorf("OpCode = %v, want %v", tt.codec.OpCode(), tt.opCode)
			}

			original := &Frame{
				ID:        "test-1",
				Type:      FrameEvent,
				Method:    MethodStreamChunk,
				CorrelID:  "correl-1",
				Data:      json.RawMessage(`{"index":7,"data":"aGk="}`),
				Channel:   "stream:run_01",
				Credits:   10,
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			}

			data, err := tt.codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := tt.codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.ID != original.ID || decoded.Type != original.Type || decoded.Method != original.Method {
				t.Errorf("decoded header = %+v, want %+v", decoded, original)
			}
			if decoded.CorrelID != original.CorrelID || decoded.Channel != original.Channel {
				t.Errorf("decoded routing = %q/%q", decoded.CorrelID, decoded.Channel)
			}
			if decoded.Credits != original.Credits {
				t.Errorf("Credits = %d, want %d", decoded.Credits, original.Credits)
			}
			if string(decoded.Data) != string(original.Data) {
				t.Errorf("Data = %s, want %s", decoded.Data, original.Data)
			}
			if !decoded.Timestamp.Equal(original.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, original.Timestamp)
			}
		})
	}
}

func TestCodecErrorFrame(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{&JSONCodec{}, &MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			original := NewErrorFrame("req-1", ErrCodeConflict, "hook already resolved")

			data, err := codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.Error == nil {
				t.Fatal("Error should not be nil")
			}
			if decoded.Error.Code != ErrCodeConflict {
				t.Errorf("Error.Code = %d, want %d", decoded.Error.Code, ErrCodeConflict)
			}
			if decoded.Error.Message != "hook already resolved" {
				t.Errorf("Error.Message = %q", decoded.Error.Message)
			}
		})
	}
}

func TestGetCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expected string
	}{
		{"json", CodecNameJSON},
		{"msgpack", CodecNameMsgpack},
		{"", CodecNameJSON},
		{"unknown", CodecNameJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := GetCodec(tt.name)
			if codec.Name() != tt.expected {
				t.Errorf("GetCodec(%q).Name() = %q, want %q", tt.name, codec.Name(), tt.expected)
			}
		})
	}
}

func TestStreamSubscribeRequestOmitsDefaults(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(StreamSubscribeRequest{RunID: "run_01"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"run_id":"run_01"}` {
		t.Errorf("encoded = %s", data)
	}
}
