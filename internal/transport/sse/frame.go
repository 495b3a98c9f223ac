package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// writeFrame writes one SSE event with a JSON payload.
func writeFrame(w io.Writer, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: encode %s: %w", event, err)
	}
	var sb strings.Builder
	sb.Grow(len(event) + len(b) + 16)
	sb.WriteString("event: ")
	sb.WriteString(event)
	sb.WriteString("\ndata: ")
	sb.Write(b)
	sb.WriteString("\n\n")
	_, err = io.WriteString(w, sb.String())
	return err
}

func writeComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}

// replayFrame is the first frame of every stream.
type replayFrame struct {
	Topic   string `json:"topic"`
	Process string `json:"process,omitempty"`
	Buffer  string `json:"buffer"`
}
