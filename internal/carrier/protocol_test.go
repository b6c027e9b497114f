package carrier

import (
	"encoding/json"
	"testing"
)

func TestParseEventStart(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"stream_sid":"S1","custom_parameters":{"greeting":"Hi."}}}`)
	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start, ok := parsed.(*StartEvent)
	if !ok {
		t.Fatalf("expected *StartEvent, got %T", parsed)
	}
	if start.Start.StreamSID != "S1" {
		t.Fatalf("expected stream_sid S1, got %q", start.Start.StreamSID)
	}
	if start.Start.CustomParameters["greeting"] != "Hi." {
		t.Fatalf("expected greeting custom parameter")
	}
}

func TestParseEventMediaOutboundTrack(t *testing.T) {
	raw := []byte(`{"event":"media","stream_sid":"S1","media":{"payload":"AAA=","track":"outbound"}}`)
	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	media, ok := parsed.(*MediaEvent)
	if !ok {
		t.Fatalf("expected *MediaEvent, got %T", parsed)
	}
	if media.Media.Track != TrackOutbound {
		t.Fatalf("expected outbound track")
	}
}

func TestParseEventUnknown(t *testing.T) {
	_, err := ParseEvent([]byte(`{"event":"bogus"}`))
	if err == nil {
		t.Fatalf("expected error for unknown event")
	}
	if _, ok := err.(*UnknownEventError); !ok {
		t.Fatalf("expected *UnknownEventError, got %T", err)
	}
}

func TestParseEventMalformedJSON(t *testing.T) {
	_, err := ParseEvent([]byte(`{not json`))
	if err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestEncodeMediaFrameSequenceNumberIsStringEncoded(t *testing.T) {
	raw, err := EncodeMediaFrame("S1", 7, "AAA=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seq, ok := decoded["sequence_number"].(string)
	if !ok {
		t.Fatalf("expected sequence_number to be a JSON string, got %T", decoded["sequence_number"])
	}
	if seq != "7" {
		t.Fatalf("expected sequence_number '7', got %q", seq)
	}
	if decoded["stream_sid"] != "S1" {
		t.Fatalf("expected stream_sid S1")
	}
}

func TestEncodeMarkFrame(t *testing.T) {
	raw, err := EncodeMarkFrame("S1", "assistant_reply_done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded MarkEvent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Mark.Name != "assistant_reply_done" || decoded.StreamSID != "S1" {
		t.Fatalf("unexpected mark frame: %+v", decoded)
	}
}
