package instance

import (
	"fmt"
	"testing"

	"github.com/mattjoyce/crucible/internal/protocol"
)

func TestNewDefaults(t *testing.T) {
	h := New("demo", "3.1")

	if h.ID() == "" {
		t.Error("expected generated instance ID")
	}
	if h.SessionKey() != "demo" || h.RuntimeVersion() != "3.1" {
		t.Errorf("unexpected identity: key=%q version=%q", h.SessionKey(), h.RuntimeVersion())
	}
	if h.Attached() != nil {
		t.Error("new instance must be unattached")
	}
}

func TestDescribe(t *testing.T) {
	h := New("demo", "3.1", WithID("inst-1"), WithToken("output_filename", "out.log"))

	desc := h.Describe()
	if desc.ID != "inst-1" || desc.SessionKey != "demo" || desc.RuntimeVersion != "3.1" {
		t.Errorf("unexpected description: %+v", desc)
	}
	if desc.Tokens["output_filename"] != "out.log" {
		t.Errorf("token missing from description: %+v", desc.Tokens)
	}

	// Describe must copy tokens, not alias them.
	desc.Tokens["output_filename"] = "changed"
	if h.Describe().Tokens["output_filename"] != "out.log" {
		t.Error("Describe leaked internal token map")
	}
}

func TestPostAndRequests(t *testing.T) {
	h := New("demo", "3.1")

	h.Post(&protocol.Request{Type: "notify", InstanceID: h.ID()})

	select {
	case req := <-h.Requests():
		if req.Type != "notify" {
			t.Errorf("unexpected request type %q", req.Type)
		}
	default:
		t.Fatal("request not delivered to mailbox")
	}
}

func TestPostDropsWhenMailboxFull(t *testing.T) {
	h := New("demo", "3.1")

	// Overfill the mailbox; Post must never block.
	for i := 0; i < mailboxSize+10; i++ {
		h.Post(&protocol.Request{Type: fmt.Sprintf("r%d", i)})
	}

	if got := len(h.requests); got != mailboxSize {
		t.Errorf("expected %d buffered requests, got %d", mailboxSize, got)
	}
}
