// Package cycle fires the read and write phases once per control cycle.
package cycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Handler receives the two phases of a cycle.
type Handler interface {
	OnReadTick(ctx context.Context)
	OnWriteTick(ctx context.Context)
}

// Runner schedules cycles on a cron instance. A cycle that is still running
// when the next tick fires makes that tick skip.
type Runner struct {
	handler  Handler
	interval time.Duration
	timeout  time.Duration
	cron     *cron.Cron
}

// New creates a runner. timeout bounds each phase of a cycle separately;
// 0 means the interval.
func New(handler Handler, interval, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = interval
	}
	logger := cronLogger{}

	return &Runner{
		handler:  handler,
		interval: interval,
		timeout:  timeout,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// RunCycle runs one read phase followed by one write phase.
func (r *Runner) RunCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	logger := log.With().Str("cycle_id", cycleID).Logger()

	ctx = logger.WithContext(ctx)

	start := time.Now()
	r.phase(ctx, r.handler.OnReadTick)
	// a stalled read must not eat the write budget
	r.phase(ctx, r.handler.OnWriteTick)

	took := time.Since(start)
	if took > r.interval {
		logger.Warn().Dur("took", took).Dur("interval", r.interval).Msg("Cycle overran its interval")
	} else {
		logger.Trace().Dur("took", took).Msg("Cycle finished")
	}
}

func (r *Runner) phase(ctx context.Context, run func(context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	run(ctx)
}

// Every registers an additional periodic job on the same scheduler.
// Intervals are rounded down to whole seconds, with a minimum of one second.
func (r *Runner) Every(ctx context.Context, name string, interval time.Duration, job func(ctx context.Context)) {
	r.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		log.Debug().Str("job", name).Msg("Running periodic job")
		job(ctx)
	}))
}

// Start schedules the cycle and starts the scheduler. Cycles stop when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		r.RunCycle(ctx)
	}))
	r.cron.Start()

	log.Info().Dur("interval", r.interval).Dur("timeout", r.timeout).Msg("Cycle runner started")
}

// Stop stops scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	log.Info().Msg("Cycle runner stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

var _ cron.Logger = cronLogger{}
