// Package scheduler runs periodic maintenance jobs against a
// RoutingEngine, presently the store-and-forward flush sweep: a hub
// should not wait forever for a peer to reconnect before retrying a
// flush.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/overlaymesh/hub/logging"
)

// flushSweepTimeout bounds one scheduled sweep so a stuck dial can't
// pin the cron worker goroutine indefinitely.
const flushSweepTimeout = 30 * time.Second

// FlushEngine is the narrow surface the scheduler needs from a
// routing.Engine.
type FlushEngine interface {
	FlushMessages(ctx context.Context, key string) error
}

// Scheduler wraps a cron.Cron configured with the jobs this process
// runs in the background.
type Scheduler struct {
	cron *cron.Cron
	log  logging.Logger
}

// New builds a Scheduler that sweeps engine's entire store-and-forward
// queue on the given schedule: a cron expression with a leading
// seconds field (six fields), or a descriptor such as "@every 1m".
func New(engine FlushEngine, spec string, log logging.Logger) (*Scheduler, error) {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushSweepTimeout)
		defer cancel()
		if err := engine.FlushMessages(ctx, ""); err != nil {
			log.WithError(err).Warn("scheduled queue flush failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
