package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(s)); m {
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	case "":
		return StreamInstant, nil
	}
	return "", fmt.Errorf("unknown stream mode %q (instant, smooth, quiet)", s)
}

// StreamWriter prints generated token bytes. It holds back an incomplete
// UTF-8 sequence until the bytes that finish it arrive.
type StreamWriter struct {
	mode StreamMode
	raw  bool
	out  *bufio.Writer

	pending []byte
	text    strings.Builder

	lastFlush     time.Time
	flushInterval time.Duration
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		raw:           raw,
		out:           bufio.NewWriterSize(w, 4096),
		lastFlush:     time.Now(),
		flushInterval: 50 * time.Millisecond,
	}
}

// Write takes the bytes of one token.
func (w *StreamWriter) Write(piece []byte) {
	w.pending = append(w.pending, piece...)
	n := completePrefix(w.pending)
	if n == 0 {
		return
	}
	chunk := string(w.pending[:n])
	w.pending = append(w.pending[:0], w.pending[n:]...)
	w.text.WriteString(chunk)
	if w.mode == StreamQuiet {
		return
	}
	w.emit(chunk)
	if w.mode == StreamInstant || time.Since(w.lastFlush) >= w.flushInterval || strings.Contains(chunk, "\n") {
		_ = w.out.Flush()
		w.lastFlush = time.Now()
	}
}

// Flush writes anything held back and returns the full text.
func (w *StreamWriter) Flush() string {
	if len(w.pending) > 0 {
		chunk := string(w.pending)
		w.pending = w.pending[:0]
		w.text.WriteString(chunk)
		if w.mode != StreamQuiet {
			w.emit(chunk)
		}
	}
	if w.mode == StreamQuiet {
		w.emit(w.text.String())
	}
	_ = w.out.Flush()
	return w.text.String()
}

func (w *StreamWriter) emit(s string) {
	if !w.raw {
		_, _ = w.out.WriteString(s)
		return
	}
	for _, r := range s {
		_, _ = w.out.WriteString(escapeRune(r))
	}
}

// completePrefix returns the length of b without a trailing partial UTF-8
// sequence. Invalid bytes count as complete.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return i
		}
		break
	}
	return len(b)
}

func escapeRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	}
	if strconv.IsPrint(r) {
		return string(r)
	}
	return fmt.Sprintf(`\u%04x`, r)
}
