package batch

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/rotisserie/eris"
)

// JSONLSink writes one JSON object per row result. Writes are
// serialized; results arrive in completion order, not input order.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewJSONLSink wraps an open writer. The sink closes w on Close when
// it implements io.Closer.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// NewJSONLFileSink creates or truncates path and writes results there.
func NewJSONLFileSink(path string) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrap(err, "batch: create sink file")
	}
	return NewJSONLSink(f), nil
}

func (s *JSONLSink) Write(_ context.Context, res RowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(res); err != nil {
		return eris.Wrap(err, "batch: encode result")
	}
	return nil
}

func (s *JSONLSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
