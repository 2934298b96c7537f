package limitio

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter returns a writer that implements io.Writer with rate limiting.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:   w,
		ctx: context.Background(),
	}
}

// SetRateLimit sets rate limit (bytes/sec) to the writer.
func (s *Writer) SetRateLimit(bytesPerSec float64, burst int) {
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// SetLimiter uses a limiter shared with other writers. A nil limiter removes the limit.
func (s *Writer) SetLimiter(limiter *rate.Limiter) {
	s.limiter = limiter
}

func (s *Writer) SetContext(ctx context.Context) {
	s.ctx = ctx
}

// Write waits for the bandwidth to send all of p, then writes it.
func (s *Writer) Write(p []byte) (int, error) {
	if s.limiter == nil {
		return s.w.Write(p)
	}
	if err := wait(s.ctx, s.limiter, len(p)); err != nil {
		return 0, err
	}
	return s.w.Write(p)
}
