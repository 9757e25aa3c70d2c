package engine

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseDone is the terminator payload of an OpenAI-style event stream.
const sseDone = "[DONE]"

// maxStreamLine bounds a single streamed frame. Engine deltas are tiny;
// 1 MiB leaves headroom for oversized usage frames.
const maxStreamLine = 1 << 20

// scanSSE reads server-sent-event frames from r line by line and calls
// fn with each "data:" payload. It stops at the [DONE] terminator, at
// EOF, or when fn returns false. Comment and retry fields are ignored.
func scanSSE(r io.Reader, fn func(data []byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStreamLine)
	for sc.Scan() {
		line := sc.Bytes()
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data := bytes.TrimSpace(rest)
		if len(data) == 0 {
			continue
		}
		if string(data) == sseDone {
			return nil
		}
		if !fn(data) {
			return nil
		}
	}
	return sc.Err()
}

// scanJSONLines reads newline-delimited JSON objects from r (Ollama's
// native streaming format) and calls fn with each line. It stops at EOF
// or when fn returns false; the caller detects the engine's own done
// flag inside the payload.
func scanJSONLines(r io.Reader, fn func(line []byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStreamLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !fn([]byte(line)) {
			return nil
		}
	}
	return sc.Err()
}
