package bridge

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Frame is one Server-Sent-Event frame. Event may be empty for
// families that use bare data frames (OpenAI style).
type Frame struct {
	Event string
	Data  string
}

// ScanFrames reads SSE frames from r and invokes fn for each one.
// Comment lines and keep-alive pings are skipped. fn returning an
// error stops the scan and propagates the error.
func ScanFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	// Increase scanner buffer for large chunks
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur Frame
	flush := func() error {
		if cur.Data == "" && cur.Event == "" {
			return nil
		}
		f := cur
		cur = Frame{}
		return fn(f)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d := strings.TrimPrefix(line, "data:")
			d = strings.TrimPrefix(d, " ")
			if cur.Data != "" {
				cur.Data += "\n"
			}
			cur.Data += d
		default:
			// comment or unknown field, ignore
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// WriteFrame writes one SSE frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if f.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", f.Data)
	return err
}
