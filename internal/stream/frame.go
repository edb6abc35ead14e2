package stream

import "strings"

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"

	maxFrameBytes = 1 << 20
)

var fieldPrefixes = []string{"data:", "event:", "id:", "retry:"}

// Frame is one decoded "data:" record of a server-sent event stream.
type Frame struct {
	Raw  string
	Data string
	Done bool
}

// isFieldLine reports whether line begins a new SSE record: a field, a
// comment or the blank separator.
func isFieldLine(line string) bool {
	if line == "" || strings.HasPrefix(line, ":") {
		return true
	}
	for _, prefix := range fieldPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func parseLine(line string) (Frame, bool) {
	data, found := strings.CutPrefix(line, dataPrefix)
	if !found {
		return Frame{}, false
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return Frame{}, false
	}
	return Frame{
		Raw:  line,
		Data: data,
		Done: data == doneMarker,
	}, true
}
