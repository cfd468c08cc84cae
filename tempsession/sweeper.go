package tempsession

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/transport"
)

const (
	// DefaultSweepInterval is the cadence of the expiry sweep.
	DefaultSweepInterval = time.Hour

	// startupSweepDelay is how soon after start the first sweep runs,
	// so sessions that expired while the server was down get cleaned
	// promptly.
	startupSweepDelay = 5 * time.Second
)

// Sweeper destroys sessions whose 24h lifetime ran out. It runs once
// shortly after start and then on the regular cadence.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	publish  func([]transport.Targeted)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a Sweeper publishing destruction notices through
// publish. A zero interval gets the default cadence.
func NewSweeper(manager *Manager, interval time.Duration, publish func([]transport.Targeted)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if publish == nil {
		publish = func([]transport.Targeted) {}
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		publish:  publish,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Close is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		startup := time.NewTimer(startupSweepDelay)
		defer startup.Stop()
		select {
		case <-startup.C:
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Close stops the loop and waits for it to exit.
func (s *Sweeper) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep destroys every expired session and returns how many it
// handled. One failing session never blocks the rest.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired, err := s.manager.store.ListExpiredTempSessions(ctx, s.manager.clock.Now())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"error":    err,
		}).Error("expired session listing failed")
		return 0
	}

	swept := 0
	for _, session := range expired {
		// Sessions ended manually but caught mid-cascade still get
		// their destruction finished here.
		if session.Active {
			ended, err := s.manager.store.EndTempSession(ctx, session.ID, s.manager.clock.Now())
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "Sweep",
					"session_id": session.ID.String()[:8],
					"error":      err,
				}).Warn("session end failed")
				continue
			}
			if !ended {
				continue
			}
		}
		events, err := s.manager.destroy(ctx, session)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"session_id": session.ID.String()[:8],
				"error":      err,
			}).Warn("session destruction failed")
			continue
		}
		swept++
		s.publish(events)
	}

	if swept > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"swept":    swept,
		}).Info("temp session sweep complete")
	}
	return swept
}
