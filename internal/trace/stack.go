package trace

import "runtime"

// StackFrame is one entry of a span's "stack" tag.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func stackFrames(callers []uintptr) []StackFrame {
	frames := runtime.CallersFrames(callers)
	result := make([]StackFrame, 0, len(callers))
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			result = append(result, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if !more {
			break
		}
	}
	return result
}
