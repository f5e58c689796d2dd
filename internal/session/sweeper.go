package session

import (
	"context"
	"time"

	"github.com/recordwise/regent/internal/logging"
)

// DefaultSweepInterval is how often the sweeper runs its passes.
const DefaultSweepInterval = time.Minute

// Sweeper periodically marks idle sessions and reaps expired ones. Expiry
// is also enforced eagerly at validation time; the sweeper exists so dead
// sessions do not linger when nobody asks about them.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *logging.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the store. interval <= 0 takes the
// default.
func NewSweeper(store *Store, interval time.Duration, log *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log.Sub("sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debug().Dur("interval", s.interval).Msg("sweeper started")
	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one idle pass and one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) (idled, reaped int) {
	idled = len(s.store.MarkIdleSessions(ctx))
	reaped = len(s.store.ReapExpiredSessions(ctx))
	return idled, reaped
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
	s.log.Debug().Msg("sweeper stopped")
}
