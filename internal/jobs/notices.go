package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/emberdate/backend/internal/models"
)

// ScoreNoticeArgs carries the notices of one committed transfer or refund.
type ScoreNoticeArgs struct {
	Notices []models.Notice `json:"notices"`
}

func (ScoreNoticeArgs) Kind() string { return "score_notice" }

func (ScoreNoticeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// NoticeWriter persists notices. Inserts must be idempotent by notice id.
type NoticeWriter interface {
	Insert(ctx context.Context, notices []models.Notice) error
}

type ScoreNoticeWorker struct {
	river.WorkerDefaults[ScoreNoticeArgs]
	notices NoticeWriter
}

func NewScoreNoticeWorker(notices NoticeWriter) *ScoreNoticeWorker {
	return &ScoreNoticeWorker{notices: notices}
}

func (w *ScoreNoticeWorker) Work(ctx context.Context, job *river.Job[ScoreNoticeArgs]) error {
	if err := w.notices.Insert(ctx, job.Args.Notices); err != nil {
		return fmt.Errorf("write %d notices: %w", len(job.Args.Notices), err)
	}
	return nil
}

// InsertFunc enqueues one job. Provided by main as a closure over river.Client.Insert.
type InsertFunc func(ctx context.Context, args river.JobArgs) error

// Enqueuer implements ledger.NoticeEnqueuer on top of River.
type Enqueuer struct {
	insert InsertFunc
}

func NewEnqueuer(insert InsertFunc) *Enqueuer {
	return &Enqueuer{insert: insert}
}

func (e *Enqueuer) EnqueueNotices(ctx context.Context, notices []models.Notice) error {
	if len(notices) == 0 {
		return nil
	}
	if err := e.insert(ctx, ScoreNoticeArgs{Notices: notices}); err != nil {
		return fmt.Errorf("enqueue score notices: %w", err)
	}
	return nil
}
