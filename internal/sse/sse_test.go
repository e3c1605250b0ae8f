package sse

import (
	"reflect"
	"testing"
)

func TestDecoderSplitAtAnyOffset(t *testing.T) {
	stream := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\ndata: [DONE]\n\n"

	var whole Decoder
	want := whole.Feed([]byte(stream))

	for offset := 0; offset <= len(stream); offset++ {
		var d Decoder
		got := d.Feed([]byte(stream[:offset]))
		got = append(got, d.Feed([]byte(stream[offset:]))...)

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("offset %d: got %v, want %v", offset, got, want)
		}
	}
}

func TestDecoderSkipsCommentsAndBlankLines(t *testing.T) {
	var d Decoder
	got := d.Feed([]byte(": keep-alive\n\ndata: {\"x\":1}\n\n\ndata: {\"x\":2}\n\n"))

	want := []string{`{"x":1}`, `{"x":2}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDecoderStopsAtDone(t *testing.T) {
	var d Decoder
	got := d.Feed([]byte("data: {\"x\":1}\n\ndata: [DONE]\n\ndata: {\"x\":2}\n\n"))

	want := []string{`{"x":1}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !d.Done() {
		t.Fatal("expected Done() to be true after [DONE] sentinel")
	}
}

func TestNDJSONDecoderSplitAtAnyOffset(t *testing.T) {
	stream := "[{\"a\":1}\n,{\"a\":2}\n]\n"

	var whole NDJSONDecoder
	want := whole.Feed([]byte(stream))

	for offset := 0; offset <= len(stream); offset++ {
		var d NDJSONDecoder
		got := d.Feed([]byte(stream[:offset]))
		got = append(got, d.Feed([]byte(stream[offset:]))...)

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("offset %d: got %v, want %v", offset, got, want)
		}
	}
}

func TestNDJSONDecoderFlush(t *testing.T) {
	var d NDJSONDecoder
	got := d.Feed([]byte("{\"a\":1}\n{\"a\":2}")) // no trailing newline on last object

	if len(got) != 1 {
		t.Fatalf("expected 1 complete line before flush, got %v", got)
	}

	flushed := d.Flush()
	if flushed != `{"a":2}` {
		t.Fatalf("flush got %q", flushed)
	}
}
