package rtcros

import (
	"testing"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

func TestBuildEmptySections(t *testing.T) {
	got := Build(domain.RTCROS{}, nil)
	if got != "" {
		t.Fatalf("expected empty string for empty RTCROS, got %q", got)
	}
}

func TestBuildConcatenatesNonEmptySections(t *testing.T) {
	tmpl := domain.RTCROS{
		Role: "You are a helpful assistant.",
		Task: "Answer the user's question.",
		Stop: "Stop when done.",
	}

	got := Build(tmpl, nil)
	want := "You are a helpful assistant.\n\nAnswer the user's question.\n\nStop when done."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
