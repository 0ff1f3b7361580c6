package common

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize: largest slice handed to the underlying writer in one call,
// also the limiter burst.
const chunkSize = 1 * 1024 * 1024 // 1 MiB

// NewSpillLimiter returns a limiter for bytesPerSec, or nil when throttling
// is disabled (bytesPerSec <= 0).
func NewSpillLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := chunkSize
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// ThrottledWriter paces writes through a token bucket so background spill
// traffic does not starve foreground reads of the same device.
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewThrottledWriter wraps w. A nil limiter makes the wrapper a pass-through.
func NewThrottledWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) *ThrottledWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ThrottledWriter{ctx: ctx, w: w, limiter: limiter}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if t.limiter == nil {
		return t.w.Write(p)
	}
	burst := t.limiter.Burst()
	written := 0
	for written < len(p) {
		end := written + burst
		if end > len(p) {
			end = len(p)
		}
		// throttle: wait until enough tokens are available for this chunk
		if err := t.limiter.WaitN(t.ctx, end-written); err != nil {
			return written, fmt.Errorf("rate limiter error: %w", err)
		}
		chunk := p[written:end]
		n, err := t.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
