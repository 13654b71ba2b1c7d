// Package ratelimit throttles SFTP uploads to a configured bandwidth cap,
// per spec §4.E: "throttles to at most N KB/s measured over a short
// sliding window." Grounded on the teacher's pkg/limiter/memory.go budget
// pattern (a mutex-guarded counter with Acquire/Release), generalized from
// a one-shot memory budget to a budget that refills every window.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

// windowDuration is the sliding-window granularity: bandwidth is measured and
// refilled every windowDuration, rather than smoothed continuously, to
// keep the accounting cheap.
const windowDuration = 100 * time.Millisecond

// Limiter caps throughput to bytesPerSecond, averaged over windowDuration.
type Limiter struct {
	mu             sync.Mutex
	bytesPerWindow int64
	available      int64
	windowStart    time.Time
	now            func() time.Time
}

// New creates a Limiter capping throughput at bytesPerSecond.
func New(bytesPerSecond int) *Limiter {
	perWindow := int64(float64(bytesPerSecond) * windowDuration.Seconds())
	if perWindow <= 0 {
		perWindow = 1
	}
	return &Limiter{
		bytesPerWindow: perWindow,
		available:      perWindow,
		windowStart:    time.Now(),
		now:            time.Now,
	}
}

// WaitN blocks until n bytes' worth of budget is available, consuming it
// before returning.
func (l *Limiter) WaitN(n int) {
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.available >= int64(n) {
			l.available -= int64(n)
			l.mu.Unlock()
			return
		}
		wait := windowDuration - l.now().Sub(l.windowStart)
		l.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

func (l *Limiter) refillLocked() {
	elapsed := l.now().Sub(l.windowStart)
	if elapsed >= windowDuration {
		l.windowStart = l.now()
		l.available = l.bytesPerWindow
	}
}

// limitedWriter chunks writes through the limiter so a single large Write
// call can't blow past the cap within one window.
type limitedWriter struct {
	w       io.Writer
	limiter *Limiter
}

// Writer wraps w so every write is paced by limiter.
func Writer(w io.Writer, limiter *Limiter) io.Writer {
	return &limitedWriter{w: w, limiter: limiter}
}

const chunkSize = 32 * 1024

func (lw *limitedWriter) Write(p []byte) (int, error) {
	// A chunk never exceeds one window's budget, since WaitN can grant at
	// most bytesPerWindow at a time.
	size := chunkSize
	if perWindow := int(lw.limiter.bytesPerWindow); perWindow < size {
		size = perWindow
	}
	written := 0
	for written < len(p) {
		end := written + size
		if end > len(p) {
			end = len(p)
		}
		chunk := p[written:end]
		lw.limiter.WaitN(len(chunk))
		n, err := lw.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
