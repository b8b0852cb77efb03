package governor

import (
	"sync"
	"time"
)

// DomainBreaker opens per-domain when the trailing error rate over the
// configured window exceeds the threshold. While open, captures to that
// domain are refused until the window elapses.
type DomainBreaker struct {
	threshold  float64
	window     time.Duration
	minSamples int

	mu      sync.Mutex
	domains map[string]*domainState
	now     func() time.Time
}

type domainState struct {
	samples   []sample
	openUntil time.Time
}

type sample struct {
	at      time.Time
	success bool
}

// NewDomainBreaker creates a breaker. minSamples guards against opening on
// a single early failure.
func NewDomainBreaker(threshold float64, window time.Duration, minSamples int) *DomainBreaker {
	if minSamples < 1 {
		minSamples = 1
	}
	return &DomainBreaker{
		threshold:  threshold,
		window:     window,
		minSamples: minSamples,
		domains:    make(map[string]*domainState),
		now:        time.Now,
	}
}

// Allows reports whether captures to the host may proceed.
func (b *DomainBreaker) Allows(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.domains[host]
	if !ok {
		return true
	}
	return !b.now().Before(d.openUntil)
}

// Record adds a capture outcome. When the trailing error rate over the
// window crosses the threshold, the domain opens for one full window and
// its samples reset.
func (b *DomainBreaker) Record(host string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	d, ok := b.domains[host]
	if !ok {
		d = &domainState{}
		b.domains[host] = d
	}

	d.samples = append(d.samples, sample{at: now, success: success})
	d.samples = trimWindow(d.samples, now.Add(-b.window))

	if len(d.samples) < b.minSamples {
		return
	}
	failures := 0
	for _, s := range d.samples {
		if !s.success {
			failures++
		}
	}
	if rate := float64(failures) / float64(len(d.samples)); rate > b.threshold {
		d.openUntil = now.Add(b.window)
		d.samples = nil
	}
}

// OpenUntil returns when the host's circuit closes again; zero if closed.
func (b *DomainBreaker) OpenUntil(host string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.domains[host]; ok {
		return d.openUntil
	}
	return time.Time{}
}

func trimWindow(samples []sample, cutoff time.Time) []sample {
	i := 0
	for ; i < len(samples); i++ {
		if !samples[i].at.Before(cutoff) {
			break
		}
	}
	return samples[i:]
}
