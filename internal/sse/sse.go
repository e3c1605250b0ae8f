// Package sse decodes server-sent-event and newline-delimited-JSON wire
// streams incrementally, the way real HTTP bodies actually arrive: in
// arbitrarily-sized chunks that can split a line (or a "data: " payload, or
// a JSON object) anywhere, including mid-token. Every streaming provider
// adapter in internal/provider feeds its raw response chunks through one of
// these instead of hand-rolling its own accumulator.
//
// The invariant under test (spec testable property 10): splitting a valid
// byte stream at any offset and feeding the two halves through two Feed
// calls yields the same decoded line sequence as one Feed call with the
// whole stream.
package sse

import "bytes"

// LineDecoder accumulates bytes across Feed calls and yields complete
// newline-terminated lines, holding back any trailing partial line until
// more bytes arrive.
type LineDecoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete line
// it can now extract (without the trailing newline). Any incomplete suffix
// is retained for the next Feed call.
func (d *LineDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}

		line := d.buf[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		d.buf = d.buf[idx+1:]
	}

	return lines
}

// Flush returns any remaining buffered bytes as a final line (used when the
// upstream closes the connection without a trailing newline) and resets the
// buffer.
func (d *LineDecoder) Flush() string {
	if len(d.buf) == 0 {
		return ""
	}

	line := string(d.buf)
	d.buf = nil

	return line
}

// Decoder extracts "data: <payload>" SSE events, dropping comment lines
// (starting with ":"), blank keep-alive lines, and the terminal "[DONE]"
// sentinel OpenAI-family vendors send.
type Decoder struct {
	lines LineDecoder
	done  bool
}

// Feed returns the decoded data payloads found in chunk, in order.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.done {
		return nil
	}

	var payloads []string
	for _, line := range d.lines.Feed(chunk) {
		switch {
		case line == "":
			continue
		case line[0] == ':':
			continue // SSE comment / keep-alive
		case len(line) >= 6 && line[:6] == "data: ":
			payload := line[6:]
			if payload == "[DONE]" {
				d.done = true
				return payloads
			}
			payloads = append(payloads, payload)
		case len(line) >= 5 && line[:5] == "data:":
			payload := line[5:]
			if payload == "[DONE]" {
				d.done = true
				return payloads
			}
			payloads = append(payloads, payload)
		}
	}

	return payloads
}

// Done reports whether a terminal "[DONE]" sentinel has been observed.
func (d *Decoder) Done() bool { return d.done }

// NDJSONDecoder extracts one JSON-object string per newline-delimited line,
// skipping blank lines (Gemini streamGenerateContent, Ollama /api/generate).
type NDJSONDecoder struct {
	lines LineDecoder
}

// Feed returns the non-blank JSON-object lines found in chunk, in order.
func (d *NDJSONDecoder) Feed(chunk []byte) []string {
	var objs []string
	for _, line := range d.lines.Feed(chunk) {
		trimmed := bytes.TrimSpace([]byte(line))
		if len(trimmed) == 0 {
			continue
		}
		// Gemini's NDJSON stream wraps the array in "[" / "," / "]" framing
		// lines when not using alt=sse; strip those framing-only lines.
		if len(trimmed) == 1 && (trimmed[0] == '[' || trimmed[0] == ']' || trimmed[0] == ',') {
			continue
		}
		objs = append(objs, string(bytes.TrimPrefix(trimmed, []byte(","))))
	}

	return objs
}

// Flush drains any trailing partial line once the upstream connection
// closes; returns "" if there is nothing pending or it isn't a complete
// JSON-shaped value.
func (d *NDJSONDecoder) Flush() string {
	line := d.lines.Flush()
	trimmed := string(bytes.TrimSpace([]byte(line)))
	if trimmed == "" || trimmed == "[" || trimmed == "]" || trimmed == "," {
		return ""
	}
	return trimmed
}
