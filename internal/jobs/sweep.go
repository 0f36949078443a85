package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// DecaySweepArgs settles pending decay for offline accounts anchored more
// than MinAge ago. Reads never need the sweep; it only keeps stored totals
// from drifting far from effective ones.
type DecaySweepArgs struct {
	MinAge    time.Duration `json:"min_age"`
	BatchSize int           `json:"batch_size"`
}

func (DecaySweepArgs) Kind() string { return "decay_sweep" }

// A failed sweep is not retried: the next period picks up the same accounts.
func (DecaySweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// Sweeper is the part of the ledger the sweep drives.
type Sweeper interface {
	SweepDecay(ctx context.Context, minAge time.Duration, batchSize int) (int, error)
}

type DecaySweepWorker struct {
	river.WorkerDefaults[DecaySweepArgs]
	ledger Sweeper
	log    *slog.Logger
}

func NewDecaySweepWorker(ledger Sweeper, log *slog.Logger) *DecaySweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DecaySweepWorker{ledger: ledger, log: log.With("component", "decay-sweep")}
}

func (w *DecaySweepWorker) Work(ctx context.Context, job *river.Job[DecaySweepArgs]) error {
	start := time.Now()
	n, err := w.ledger.SweepDecay(ctx, job.Args.MinAge, job.Args.BatchSize)
	if err != nil {
		return fmt.Errorf("decay sweep after %d accounts: %w", n, err)
	}
	w.log.Info("decay sweep finished", "settled", n, "duration", time.Since(start))
	return nil
}

// PeriodicSweep schedules the sweep every interval, starting at boot.
func PeriodicSweep(interval, minAge time.Duration, batchSize int) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return DecaySweepArgs{MinAge: minAge, BatchSize: batchSize}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
