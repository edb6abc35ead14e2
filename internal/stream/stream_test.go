package stream

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const happyPathBody = `data:{"choices":[{"delta":{"content":"Você"}}]}
data:{"choices":[{"delta":{"content":" tem 1 encomenda."}}]}
data:[DONE]
`

// feedChunks runs chunks through a Reader the way Consume does and returns
// every fragment produced.
func feedChunks(t *testing.T, chunks ...string) ([]string, *Reader) {
	t.Helper()
	r := NewReader()
	var out []string
	for _, c := range chunks {
		fragments, err := r.Feed([]byte(c))
		require.NoError(t, err)
		out = append(out, fragments...)
	}
	fragments, err := r.Close()
	require.NoError(t, err)
	return append(out, fragments...), r
}

func TestReader_HappyPath(t *testing.T) {
	fragments, r := feedChunks(t, happyPathBody)

	assert.Equal(t, []string{"Você", " tem 1 encomenda."}, fragments)
	assert.Equal(t, "Você tem 1 encomenda.", r.Text())
	assert.True(t, r.Done())
}

func TestReader_SplitJSONAcrossChunks(t *testing.T) {
	fragments, r := feedChunks(t,
		`data: {"choices":[{"delta":{"content":"ol`,
		`á"}}]}`+"\n",
	)

	assert.Equal(t, []string{"olá"}, fragments)
	assert.Equal(t, "olá", r.Text())
}

func TestReader_SplitAtEveryOffset(t *testing.T) {
	frame := `data: {"choices":[{"delta":{"content":"Olá, \"síndico\" é \\n aqui"}}]}` + "\n"

	whole, _ := feedChunks(t, frame)
	require.Len(t, whole, 1)

	for i := 0; i <= len(frame); i++ {
		got, _ := feedChunks(t, frame[:i], frame[i:])
		assert.Equal(t, whole, got, "split at byte %d", i)
	}
}

func TestReader_ChunkingIndependence(t *testing.T) {
	body := ": keep-alive\n" +
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Sua taxa \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"condominial \"}}]}\r\n\r\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"vence dia 10 ✅\"}}]}\n\n" +
		"data: [DONE]\n\n"
	const want = "Sua taxa condominial vence dia 10 ✅"

	for size := 1; size <= len(body); size++ {
		var chunks []string
		for i := 0; i < len(body); i += size {
			end := min(i+size, len(body))
			chunks = append(chunks, body[i:end])
		}
		_, r := feedChunks(t, chunks...)
		require.Equal(t, want, r.Text(), "chunk size %d", size)
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var chunks []string
		rest := body
		for len(rest) > 0 {
			n := rng.Intn(len(rest) + 1)
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		_, r := feedChunks(t, chunks...)
		require.Equal(t, want, r.Text(), "round %d", round)
	}
}

func TestReader_NoiseIsSkipped(t *testing.T) {
	fragments, r := feedChunks(t,
		": ping\n",
		"event: message\n",
		"id: 42\n",
		"data: not-json\n",
		"data: [1,2,3]\n",
		"data: {\"choices\":[]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n",
		"\n",
	)

	assert.Equal(t, []string{"ok"}, fragments)
	assert.Equal(t, 2, r.Skipped())
}

func TestReader_DoneStopsEmission(t *testing.T) {
	fragments, r := feedChunks(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\ndata: [DONE]\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n",
	)

	assert.Equal(t, []string{"a"}, fragments)
	assert.True(t, r.Done())
}

func TestReader_TrailingFrameWithoutDelimiter(t *testing.T) {
	fragments, _ := feedChunks(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"um\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\" dois\"}}]}",
	)

	assert.Equal(t, []string{"um", " dois"}, fragments)
}

func TestReader_TruncatedPayloadJoinsContinuation(t *testing.T) {
	fragments, r := feedChunks(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"ol\n",
		"á\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n",
	)

	assert.Equal(t, []string{"olá", "!"}, fragments)
	assert.Equal(t, 0, r.Skipped())
}

func TestReader_TruncatedPayloadDroppedBeforeNewRecord(t *testing.T) {
	fragments, r := feedChunks(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"ol\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"oi\"}}]}\n",
	)

	assert.Equal(t, []string{"oi"}, fragments)
	assert.Equal(t, 1, r.Skipped())
}

func TestReader_TruncatedPayloadAtEOF(t *testing.T) {
	fragments, r := feedChunks(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b",
	)

	assert.Equal(t, []string{"a"}, fragments)
	assert.Equal(t, 1, r.Skipped())
}

func TestReader_ErrorEnvelope(t *testing.T) {
	r := NewReader()
	fragments, err := r.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\ndata: {\"error\":{\"message\":\"upstream overloaded\"}}\n"))

	assert.Equal(t, []string{"x"}, fragments)
	var envErr *EnvelopeError
	require.True(t, errors.As(err, &envErr))
	assert.Equal(t, "upstream overloaded", envErr.Message)
	assert.ErrorIs(t, err, ErrStreamError)
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "Limite de requisições excedido.", ErrorText([]byte(`"Limite de requisições excedido."`)))
	assert.Equal(t, "quota", ErrorText([]byte(`{"message":"quota","code":"402"}`)))
	assert.Equal(t, "42", ErrorText([]byte(`42`)))
}

type chunkedReader struct {
	chunks []string
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func TestConsume(t *testing.T) {
	t.Run("fragments in order", func(t *testing.T) {
		body := &chunkedReader{chunks: []string{
			"data:{\"choices\":[{\"delta\":{\"content\":\"Você\"}}]}\ndata:{\"choi",
			"ces\":[{\"delta\":{\"content\":\" tem 1 encomenda.\"}}]}\n",
			"",
			"data:[DONE]\n",
		}}

		var got []string
		r, err := Consume(context.Background(), body, func(fragment string) {
			got = append(got, fragment)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Você", " tem 1 encomenda."}, got)
		assert.Equal(t, "Você tem 1 encomenda.", r.Text())
	})

	t.Run("stops at done without draining", func(t *testing.T) {
		body := &chunkedReader{chunks: []string{"data: [DONE]\n", "data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"}}

		r, err := Consume(context.Background(), body, nil)
		require.NoError(t, err)
		assert.Empty(t, r.Text())
		assert.Len(t, body.chunks, 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Consume(ctx, strings.NewReader(happyPathBody), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("read error", func(t *testing.T) {
		boom := errors.New("connection reset")
		_, err := Consume(context.Background(), io.MultiReader(strings.NewReader("data: {\"cho"), &failingReader{err: boom}), nil)
		assert.ErrorIs(t, err, boom)
	})
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}
