package status

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out)
	c.Update("Extracting frames...")
	c.Update("Processing to video succeed!")

	want := "Status: Extracting frames...\nStatus: Processing to video succeed!\n"
	if out.String() != want {
		t.Errorf("Console output = %q, want %q", out.String(), want)
	}
}

func TestLoggedForwards(t *testing.T) {
	rec := &Recorder{}
	var s Sink = Logged{Next: rec, Logger: zap.NewNop()}
	s.Update("Creating temp resources...")

	if rec.Last() != "Creating temp resources..." {
		t.Errorf("Expected message to be forwarded, got %q", rec.Last())
	}
	if len(rec.Messages()) != 1 {
		t.Errorf("Expected 1 message, got %d", len(rec.Messages()))
	}
}
