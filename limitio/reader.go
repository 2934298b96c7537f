package limitio

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

type Reader struct {
	source  io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewReader returns a reader that implements io.Reader with rate limiting.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		source: r,
		ctx:    context.Background(),
	}
}

// SetRateLimit sets rate limit (bytes/sec) to the reader.
func (s *Reader) SetRateLimit(bytesPerSec float64, burst int) {
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// SetLimiter uses a limiter shared with other readers: the rate is for all of them.
// A nil limiter removes the limit.
func (s *Reader) SetLimiter(limiter *rate.Limiter) {
	s.limiter = limiter
}

// SetContext interrupts the waits when ctx is done
func (s *Reader) SetContext(ctx context.Context) {
	s.ctx = ctx
}

// Read bytes into p. The bytes read are paid for after the read,
// so a short read on a network connection only costs what was received.
func (s *Reader) Read(p []byte) (int, error) {
	if s.limiter == nil {
		return s.source.Read(p)
	}
	n, err := s.source.Read(p)
	if n > 0 {
		if waitErr := wait(s.ctx, s.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
