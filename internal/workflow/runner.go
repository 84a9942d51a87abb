package workflow

import (
	"context"
	"errors"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Runner drives the coordinator on the configured schedule. Ticks that land
// while a cycle is still running are dropped.
type Runner struct {
	coord *Coordinator
	spec  string
	cron  *rcron.Cron
}

func NewRunner(coord *Coordinator, spec string, loc *time.Location) *Runner {
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		coord: coord,
		spec:  spec,
		cron:  rcron.New(rcron.WithLocation(loc)),
	}
}

// Start registers the poll job, runs one immediate cycle, and starts the
// scheduler. Blocks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	tick := func() {
		if _, err := r.coord.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrCycleInFlight) {
				log.Printf("[runner] cycle still in flight, dropping tick")
				return
			}
			log.Printf("[runner] cycle error: %v", err)
		}
	}

	if _, err := r.cron.AddFunc(r.spec, tick); err != nil {
		return err
	}

	tick()
	r.cron.Start()
	log.Printf("[runner] polling on %q", r.spec)

	<-ctx.Done()

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[runner] stop timeout waiting for running cycle")
	}
	log.Printf("[runner] stopped")
	return nil
}
