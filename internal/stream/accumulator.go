package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type Status int

const (
	StatusSkip Status = iota
	StatusAppend
	StatusNotReady
	StatusDone
	StatusError
)

type chunkEnvelope struct {
	Choices []openai.ChatCompletionStreamChoice `json:"choices"`
	Error   json.RawMessage                     `json:"error,omitempty"`
}

// Accumulator folds the content deltas of decoded frames into one text.
type Accumulator struct {
	text    strings.Builder
	skipped int
	errText string
}

// Apply interprets one frame. A payload that ends before its JSON value is
// complete yields StatusNotReady and must be handed back to the decoder;
// anything else that cannot be read as a chunk is skipped.
func (a *Accumulator) Apply(f Frame) (string, Status) {
	if f.Done {
		return "", StatusDone
	}

	var env chunkEnvelope
	dec := json.NewDecoder(strings.NewReader(f.Data))
	if err := dec.Decode(&env); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", StatusNotReady
		}
		a.skipped++
		return "", StatusSkip
	}

	if len(env.Error) > 0 && string(env.Error) != "null" {
		a.errText = ErrorText(env.Error)
		return "", StatusError
	}

	if len(env.Choices) == 0 {
		return "", StatusSkip
	}
	content := env.Choices[0].Delta.Content
	if content == "" {
		return "", StatusSkip
	}

	a.text.WriteString(content)
	return content, StatusAppend
}

// Reject records a frame that could not be recovered.
func (a *Accumulator) Reject() {
	a.skipped++
}

func (a *Accumulator) Text() string {
	return a.text.String()
}

func (a *Accumulator) Skipped() int {
	return a.skipped
}

// Err returns the message of an in-stream error object, if one was seen.
func (a *Accumulator) Err() string {
	return a.errText
}

// ErrorText extracts a readable message from an "error" JSON value, which
// backends send either as a string or as an object with a message field.
func ErrorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}
