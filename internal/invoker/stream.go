package invoker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Stream is a lazy, finite sequence of text chunks. It cannot be restarted.
// Closing it before the end aborts the underlying provider request.
//
//	for s.Next() {
//		fmt.Print(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	next  func() (string, bool, error)
	close func() error

	chunk string
	err   error
	done  bool

	promptTokens     int
	completionTokens int
	text             strings.Builder

	closeOnce sync.Once
	closeErr  error
}

// Next advances to the next chunk. It returns false at the end of the
// stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		chunk, ok, err := s.next()
		if err != nil {
			s.err = err
			s.finish()
			return false
		}
		if !ok {
			s.finish()
			return false
		}
		if chunk == "" {
			continue
		}
		s.chunk = chunk
		s.text.WriteString(chunk)
		return true
	}
}

func (s *Stream) finish() {
	s.done = true
	s.chunk = ""
	s.Close()
}

// Chunk returns the current chunk.
func (s *Stream) Chunk() string { return s.chunk }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.err }

// Text returns everything read so far.
func (s *Stream) Text() string { return s.text.String() }

// Usage returns token counts reported by the provider, or estimates when the
// provider did not report them.
func (s *Stream) Usage() (prompt, completion int) {
	completion = s.completionTokens
	if completion == 0 {
		completion = EstimateTokens(s.text.String())
	}
	return s.promptTokens, completion
}

// Close releases the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		if s.close != nil {
			s.closeErr = s.close()
		}
	})
	return s.closeErr
}

// NewStream builds a Stream from an iterator. next reports ok=false at the
// end of the sequence; close may be nil.
func NewStream(next func() (chunk string, ok bool, err error), close func() error) *Stream {
	return &Stream{next: next, close: close}
}

// NewStaticStream returns a Stream over fixed chunks.
func NewStaticStream(chunks ...string) *Stream {
	i := 0
	return NewStream(func() (string, bool, error) {
		if i >= len(chunks) {
			return "", false, nil
		}
		i++
		return chunks[i-1], true, nil
	}, nil)
}

// newSSEStream parses an OpenAI-compatible server-sent event body. cancel is
// called on Close to abort the request.
func newSSEStream(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) *Stream {
	reader := bufio.NewReader(body)
	s := &Stream{
		close: func() error {
			err := body.Close()
			cancel()
			return err
		},
	}
	s.next = func() (string, bool, error) {
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				chunk, done, perr := s.parseEvent(bytes.TrimSpace(line))
				if perr != nil {
					return "", false, perr
				}
				if done {
					return "", false, nil
				}
				if chunk != "" {
					return chunk, true, nil
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return "", false, nil
				}
				if ctx.Err() != nil {
					return "", false, transient("stream interrupted", ctx.Err())
				}
				return "", false, transient("stream read error", err)
			}
		}
	}
	return s
}

func (s *Stream) parseEvent(line []byte) (chunk string, done bool, err error) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return "", false, nil
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if string(data) == "[DONE]" {
		return "", true, nil
	}
	if !gjson.ValidBytes(data) {
		return "", false, transient("malformed stream event", nil)
	}
	if e := gjson.GetBytes(data, "error.message"); e.Exists() {
		return "", false, transient("provider stream error", errors.New(e.String()))
	}
	if u := gjson.GetBytes(data, "usage"); u.Exists() {
		s.promptTokens = int(u.Get("prompt_tokens").Int())
		s.completionTokens = int(u.Get("completion_tokens").Int())
	}
	return gjson.GetBytes(data, "choices.0.delta.content").String(), false, nil
}
