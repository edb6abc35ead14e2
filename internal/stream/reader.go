package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const readChunkSize = 4 * 1024

var ErrStreamError = errors.New("stream error")

// EnvelopeError is returned when the backend reports an error inside the
// stream instead of through the response status.
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%v: %s", ErrStreamError, e.Message)
}

func (e *EnvelopeError) Unwrap() error {
	return ErrStreamError
}

// Reader drives a Decoder and an Accumulator over transport chunks.
type Reader struct {
	dec *Decoder
	acc *Accumulator
}

func NewReader() *Reader {
	return &Reader{
		dec: NewDecoder(),
		acc: &Accumulator{},
	}
}

// Feed consumes one chunk and returns the fragments it completed.
func (r *Reader) Feed(chunk []byte) ([]string, error) {
	r.dec.Write(chunk)

	var fragments []string
	for {
		f, ok := r.dec.Next()
		if !ok {
			return fragments, nil
		}

		fragment, status := r.acc.Apply(f)
		switch status {
		case StatusAppend:
			fragments = append(fragments, fragment)
		case StatusNotReady:
			r.dec.Unread(f)
		case StatusError:
			return fragments, &EnvelopeError{Message: r.acc.Err()}
		case StatusDone:
			return fragments, nil
		}
	}
}

// Close performs the final decode pass over an unterminated trailing frame.
func (r *Reader) Close() ([]string, error) {
	f, ok := r.dec.Flush()
	if !ok {
		return nil, nil
	}

	fragment, status := r.acc.Apply(f)
	switch status {
	case StatusAppend:
		return []string{fragment}, nil
	case StatusNotReady:
		r.acc.Reject()
	case StatusError:
		return nil, &EnvelopeError{Message: r.acc.Err()}
	}
	return nil, nil
}

func (r *Reader) Done() bool {
	return r.dec.Done()
}

func (r *Reader) Text() string {
	return r.acc.Text()
}

// Skipped counts frames discarded as malformed.
func (r *Reader) Skipped() int {
	return r.acc.Skipped() + r.dec.Dropped()
}

// Consume reads body until the [DONE] marker or EOF and calls onFragment for
// every content delta in order. The returned Reader holds the accumulated
// text even when an error cuts the stream short.
func Consume(ctx context.Context, body io.Reader, onFragment func(fragment string)) (*Reader, error) {
	r := NewReader()
	buf := make([]byte, readChunkSize)

	emit := func(fragments []string) {
		if onFragment == nil {
			return
		}
		for _, fragment := range fragments {
			onFragment(fragment)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			fragments, err := r.Feed(buf[:n])
			emit(fragments)
			if err != nil {
				return r, err
			}
			if r.Done() {
				return r, nil
			}
		}

		if readErr == io.EOF {
			fragments, err := r.Close()
			emit(fragments)
			return r, err
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return r, ctx.Err()
			}
			return r, readErr
		}
	}
}
