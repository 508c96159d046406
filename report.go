package main

import (
	"bytes"
	"fmt"
	"io"
)

const (
	missingField = "?"
	missingGreek = "-"
)

// Renderer turns one multipart message into the console summary.
type Renderer struct {
	codec        Codec
	maxRows      int
	previewBytes int
}

func NewRenderer(codec Codec, maxRows, previewBytes int) *Renderer {
	return &Renderer{codec: codec, maxRows: maxRows, previewBytes: previewBytes}
}

// Render writes the summary of frames to w in a single Write call.
func (r *Renderer) Render(w io.Writer, frames [][]byte) error {
	var buf bytes.Buffer

	topic := ""
	if len(frames) > 0 {
		topic = string(frames[0])
	}
	fmt.Fprintf(&buf, "=== TOPIC: %s ===\n", topic)

	if len(frames) > 1 {
		r.renderPayload(&buf, frames[1])
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

func (r *Renderer) renderPayload(buf *bytes.Buffer, payload []byte) {
	var report Report
	if err := r.codec.Decode(payload, &report); err != nil {
		fmt.Fprintf(buf, "  %s parse error: %v\n", r.codec.Name(), err)
		fmt.Fprintf(buf, "  Raw: %s...\n", preview(payload, r.previewBytes))
		return
	}

	fmt.Fprintf(buf, "Underlying: %s, Expiry: %s, Rows: %d\n",
		report.Underlying.Or(missingField), report.Expiry.Or(missingField), len(report.Rows))

	shown := min(len(report.Rows), r.maxRows)
	for _, row := range report.Rows[:shown] {
		fmt.Fprintf(buf, "  Strike %s: Call delta=%s, Put delta=%s\n",
			row.Strike.Or(missingField), row.Call.delta().Or(missingGreek), row.Put.delta().Or(missingGreek))
	}
	if rest := len(report.Rows) - shown; rest > 0 {
		fmt.Fprintf(buf, "  ... and %d more rows\n", rest)
	}
}

// preview cuts payload to at most n bytes. The cut is byte exact and may
// split a multi-byte character.
func preview(payload []byte, n int) []byte {
	if len(payload) <= n {
		return payload
	}
	return payload[:n]
}
