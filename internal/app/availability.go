package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/router-for-me/keyledger/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// collaborator is one external dependency whose reachability gates routes.
type collaborator struct {
	name      string
	ping      func(ctx context.Context) error
	available atomic.Bool
	onceUp    sync.Once
	onUp      []func()
}

// Availability tracks collaborator reachability and probes the unreachable ones until all answer.
type Availability struct {
	collaborators []*collaborator
	metrics       *metrics.Metrics
	interval      time.Duration
	timeout       time.Duration
}

func newAvailability(m *metrics.Metrics, interval time.Duration) *Availability {
	return &Availability{metrics: m, interval: interval, timeout: 10 * time.Second}
}

// add registers a collaborator. onUp runs once, the first time the collaborator answers, and
// finishes before Ready reports true.
func (a *Availability) add(name string, ping func(ctx context.Context) error, onUp ...func()) *collaborator {
	c := &collaborator{name: name, ping: ping, onUp: onUp}
	a.collaborators = append(a.collaborators, c)
	a.metrics.SetAvailable(name, false)
	return c
}

// Ready reports whether the collaborator answered its last probe.
func (c *collaborator) Ready() bool { return c.available.Load() }

// Status returns the availability of every collaborator.
func (a *Availability) Status() map[string]bool {
	out := make(map[string]bool, len(a.collaborators))
	for _, c := range a.collaborators {
		out[c.name] = c.available.Load()
	}
	return out
}

// probe pings every unavailable collaborator and reports whether all are available.
func (a *Availability) probe(ctx context.Context) bool {
	all := true
	for _, c := range a.collaborators {
		if c.available.Load() {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, a.timeout)
		err := c.ping(pingCtx)
		cancel()
		if err != nil {
			all = false
			log.WithError(err).WithField("collaborator", c.name).Warn("app: collaborator unavailable")
			continue
		}
		c.onceUp.Do(func() {
			for _, fn := range c.onUp {
				fn()
			}
		})
		c.available.Store(true)
		a.metrics.SetAvailable(c.name, true)
		log.WithField("collaborator", c.name).Info("app: collaborator available")
	}
	return all
}

// watch probes until every collaborator is available or ctx ends.
func (a *Availability) watch(ctx context.Context) {
	if a.probe(ctx) {
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.probe(ctx) {
				return
			}
		}
	}
}
