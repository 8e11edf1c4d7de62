/**
 * @description
 * This package runs the background expiry sweep. A cron job periodically
 * flips open groups whose deadline has passed to expired, as a safety net
 * for groups nobody tries to join after their deadline.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling.
 */

package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/groupcart/groupbuy-service/internal/app"
	"github.com/robfig/cron/v3"
)

// Sweeper owns the cron instance that drives expiry sweeps.
type Sweeper struct {
	cron        *cron.Cron
	coordinator *app.Coordinator
	schedule    string
	batchSize   int
}

// New creates a sweeper that runs on the given cron schedule, expiring at
// most batchSize groups per run.
func New(coordinator *app.Coordinator, schedule string, batchSize int) *Sweeper {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	return &Sweeper{
		cron:        c,
		coordinator: coordinator,
		schedule:    schedule,
		batchSize:   batchSize,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"expiry sweep scheduled\" schedule=%q batch_size=%d", s.schedule, s.batchSize)
	return nil
}

// Stop stops the scheduler and returns a context that is done once any
// in-flight run finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.coordinator.Sweep(ctx, s.batchSize)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"expiry sweep failed\" expired=%d err=%v", expired, err)
		return
	}
	if expired > 0 {
		log.Printf("level=info component=sweeper msg=\"expiry sweep finished\" expired=%d", expired)
	}
}
