package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/storage"
	"github.com/opd-ai/peerchat/transport"
)

// DefaultSweepInterval is how often expired self-destruct messages are
// collected.
const DefaultSweepInterval = 30 * time.Second

const sweepBatchSize = 256

// Sweeper periodically scrubs messages whose self-destruct timer has
// expired. Each expired message transitions exactly once even with
// several sweepers running: the conditional MarkSelfDestructed decides
// the winner and only the winner notifies.
type Sweeper struct {
	store    storage.MessageStore
	interval time.Duration
	clock    Clock
	publish  func([]transport.Targeted)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a Sweeper publishing notifications through
// publish. A zero interval gets the default cadence.
func NewSweeper(store storage.MessageStore, interval time.Duration, clock Clock, publish func([]transport.Targeted)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = realClock{}
	}
	if publish == nil {
		publish = func([]transport.Targeted) {}
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		clock:    clock,
		publish:  publish,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Close is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
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

type selfDestructPayload struct {
	MessageID string `json:"messageId"`
}

// Sweep runs one collection pass and returns how many messages it
// destroyed. A failure on one message never blocks the rest.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	expired, err := s.store.ListExpiredSelfDestruct(ctx, now, sweepBatchSize)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"error":    err,
		}).Error("self-destruct listing failed")
		return 0
	}

	destroyed := 0
	for _, msg := range expired {
		won, err := s.store.MarkSelfDestructed(ctx, msg.ID, now)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": short(msg.ID),
				"error":      err,
			}).Warn("self-destruct transition failed")
			continue
		}
		if !won {
			// Another sweeper or a user delete got there first.
			continue
		}
		if err := s.store.ScrubContent(ctx, msg.ID, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": short(msg.ID),
				"error":      err,
			}).Warn("self-destruct scrub failed")
			continue
		}
		destroyed++
		s.publish(s.notifications(msg))
	}

	if destroyed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Sweep",
			"destroyed": destroyed,
		}).Info("self-destruct sweep complete")
	}
	return destroyed
}

func (s *Sweeper) notifications(msg *storage.Message) []transport.Targeted {
	payload := selfDestructPayload{MessageID: msg.ID.String()}
	if msg.RoomID != "" {
		return []transport.Targeted{
			transport.ToRoom(msg.RoomID, transport.EventMessageSelfDestruct, payload),
		}
	}
	events := []transport.Targeted{
		transport.ToUser(msg.SenderID.String(), transport.EventMessageSelfDestruct, payload),
	}
	if msg.Recipient != nil {
		events = append(events, transport.ToUser(msg.Recipient.String(), transport.EventMessageSelfDestruct, payload))
	}
	return events
}
