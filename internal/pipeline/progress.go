package pipeline

import (
	"fmt"
	"io"
)

// ProgressEvent is a single progress update during a pipeline run.
type ProgressEvent struct {
	Type      string `json:"type"` // "stage", "iteration", "warning", "done", "error"
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	MaxIter   int    `json:"max,omitempty"`
}

// ProgressEmitter receives progress events during a pipeline run.
type ProgressEmitter interface {
	Emit(event ProgressEvent)
}

// TextEmitter formats progress events as human-readable text for CLI output.
type TextEmitter struct {
	W io.Writer
}

// Emit writes a formatted progress line to the underlying writer.
func (e *TextEmitter) Emit(ev ProgressEvent) {
	switch ev.Type {
	case "stage":
		fmt.Fprintf(e.W, "[%s] %s\n", ev.Stage, ev.Message)
	case "iteration":
		fmt.Fprintf(e.W, "[fix loop %d/%d] %s\n", ev.Iteration, ev.MaxIter, ev.Message)
	case "warning":
		fmt.Fprintf(e.W, "Warning: %s\n", ev.Message)
	case "error":
		fmt.Fprintf(e.W, "Error: %s\n", ev.Message)
	}
}
