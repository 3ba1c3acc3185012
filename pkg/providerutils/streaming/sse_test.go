package streaming

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestSSEParserReadsMultipleEvents(t *testing.T) {
	raw := "event: message_start\ndata: {\"a\":1}\n\nevent: message_stop\ndata: {}\n\n"
	parser := NewSSEParser(strings.NewReader(raw))

	first, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Event != "message_start" || first.Data != `{"a":1}` {
		t.Errorf("first event = %+v, want Event=message_start Data={\"a\":1}", first)
	}

	second, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Event != "message_stop" {
		t.Errorf("second event = %+v, want Event=message_stop", second)
	}

	if _, err := parser.Next(); err != io.EOF {
		t.Errorf("Next after last event = %v, want io.EOF", err)
	}
}

func TestSSEParserJoinsMultilineData(t *testing.T) {
	raw := "data: line1\ndata: line2\n\n"
	parser := NewSSEParser(strings.NewReader(raw))

	event, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Data != "line1\nline2" {
		t.Errorf("Data = %q, want line1\\nline2", event.Data)
	}
}

func TestSSEParserIgnoresCommentLines(t *testing.T) {
	raw := ": this is a comment\ndata: hello\n\n"
	parser := NewSSEParser(strings.NewReader(raw))

	event, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Data != "hello" {
		t.Errorf("Data = %q, want hello", event.Data)
	}
}

func TestSSEWriterWriteEventRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)

	if err := w.WriteEvent(SSEEvent{Event: "ping", ID: "1", Data: "hi"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	parser := NewSSEParser(strings.NewReader(buf.String()))
	event, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Event != "ping" || event.ID != "1" || event.Data != "hi" {
		t.Errorf("round-tripped event = %+v, want Event=ping ID=1 Data=hi", event)
	}
}

func TestSSEWriterWriteDoneSignalsCompletion(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	if err := w.WriteDone(); err != nil {
		t.Fatalf("WriteDone: %v", err)
	}

	parser := NewSSEParser(strings.NewReader(buf.String()))
	event, err := parser.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !IsStreamDone(event) {
		t.Error("expected IsStreamDone to report true for a WriteDone event")
	}
}

func TestParseSSEStreamCollectsAllEvents(t *testing.T) {
	raw := "data: a\n\ndata: b\n\ndata: c\n\n"
	events, err := ParseSSEStream(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseSSEStream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
}
