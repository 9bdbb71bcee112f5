package politeness

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scheduler spaces outbound requests per source. A per-source limiter
// holds the minimum spacing (base, or the fixed delay, raised to the
// robots.txt Crawl-delay floor); uniform jitter is slept on top of it
// unless the source carries a fixed delay.
type Scheduler struct {
	base   time.Duration
	jitter time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	fixed    map[string]time.Duration
	floors   map[string]time.Duration
	limiters map[string]*rate.Limiter
	waits    map[string]int
}

func NewScheduler(base, jitter time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		base:     base,
		jitter:   jitter,
		logger:   logger,
		fixed:    make(map[string]time.Duration),
		floors:   make(map[string]time.Duration),
		limiters: make(map[string]*rate.Limiter),
		waits:    make(map[string]int),
	}
}

// SetFixed replaces base+jitter for one source. Zero clears the override.
func (s *Scheduler) SetFixed(source string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.fixed, source)
	} else {
		s.fixed[source] = d
	}
	s.retune(source)
}

// SetFloor raises the minimum delay for a source.
func (s *Scheduler) SetFloor(source string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > s.floors[source] {
		s.floors[source] = d
		s.retune(source)
	}
}

// spacing is the minimum gap between two requests to a source. Callers
// hold s.mu.
func (s *Scheduler) spacing(source string) time.Duration {
	d, ok := s.fixed[source]
	if !ok {
		d = s.base
	}
	if floor := s.floors[source]; d < floor {
		d = floor
	}
	return d
}

func (s *Scheduler) retune(source string) {
	if lim, ok := s.limiters[source]; ok {
		lim.SetLimit(every(s.spacing(source)))
	}
}

// limiter returns the source's limiter, creating it with its only token
// spent so that the first Wait already sleeps the full spacing.
func (s *Scheduler) limiter(source string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[source]
	if !ok {
		lim = rate.NewLimiter(every(s.spacing(source)), 1)
		lim.Allow()
		s.limiters[source] = lim
	}
	return lim
}

func (s *Scheduler) drawJitter(source string) time.Duration {
	s.mu.Lock()
	_, fixed := s.fixed[source]
	s.mu.Unlock()
	if fixed || s.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(s.jitter)))
}

// Delay draws a nominal delay for a source without sleeping: the spacing
// plus one jitter sample.
func (s *Scheduler) Delay(source string) time.Duration {
	s.mu.Lock()
	d := s.spacing(source)
	s.mu.Unlock()
	return d + s.drawJitter(source)
}

// Wait blocks until the source's limiter grants the next request, then
// sleeps the jitter. It returns early when ctx is done and never reports
// an error; callers check ctx themselves.
func (s *Scheduler) Wait(ctx context.Context, source string) {
	s.mu.Lock()
	s.waits[source]++
	spacing := s.spacing(source)
	s.mu.Unlock()

	lim := s.limiter(source)
	jitter := s.drawJitter(source)
	s.logger.DebugContext(ctx, "politeness wait", "source", source, "spacing", spacing, "jitter", jitter)

	if err := lim.Wait(ctx); err != nil {
		return
	}
	if jitter <= 0 {
		return
	}
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Waits reports how many times Wait ran for a source.
func (s *Scheduler) Waits(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits[source]
}

// NewLimiter spaces requests d apart. A zero or negative d never blocks.
func NewLimiter(d time.Duration) *rate.Limiter {
	return rate.NewLimiter(every(d), 1)
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}
