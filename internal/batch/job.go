// Package batch runs read-process-write jobs over a fixed snapshot with
// chunked commits and a skip policy owned by the orchestrator.
package batch

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/logcontext"
)

const defaultChunkSize = 50

// Job wires the three stages of a batch run.
//
// Read takes the snapshot once per run. Process resolves one item and
// reports whether it changed; unchanged items are not written. Write persists
// one chunk of changed items in a single batch write.
type Job[T any] struct {
	Name      string
	Read      func(ctx context.Context) (iter.Seq[T], error)
	Process   func(ctx context.Context, item T) (T, bool, error)
	Write     func(ctx context.Context, chunk []T) error
	ChunkSize int
	Policy    SkipPolicy
	Logger    *slog.Logger
}

type Report struct {
	RunID     uuid.UUID
	Job       string
	Read      int
	Changed   int
	Unchanged int
	Skipped   int
	Written   int
	Chunks    int
	Duration  time.Duration
	// Err is the failure that aborted the run, nil when it completed.
	Err error
}

func (r Report) Aborted() bool {
	return r.Err != nil
}

// Run executes one pass over a fresh snapshot. Chunks are bounded by the
// number of items read. On abort the in-progress chunk is discarded while
// chunks committed before it stay. Skipped items are left for the next run.
func (j *Job[T]) Run(ctx context.Context) Report {
	start := time.Now()
	report := Report{RunID: uuid.New(), Job: j.Name}

	ctx = logcontext.AppendCtx(ctx, slog.String("runId", report.RunID.String()))
	ctx = logcontext.AppendCtx(ctx, slog.String("job", j.Name))

	report.Err = j.run(ctx, &report)
	report.Duration = time.Since(start)

	metrics.GetOrCreateHistogram(fmt.Sprintf(`batch_run_duration_milliseconds{job=%q}`, j.Name)).
		Update(float64(report.Duration.Milliseconds()))

	if report.Err != nil {
		j.Logger.ErrorContext(ctx, "Batch run aborted",
			"error", report.Err, "read", report.Read, "skipped", report.Skipped, "written", report.Written)
		j.counter("aborted").Inc()
		return report
	}

	j.Logger.InfoContext(ctx, "Batch run finished",
		"read", report.Read, "changed", report.Changed, "unchanged", report.Unchanged,
		"skipped", report.Skipped, "written", report.Written, "chunks", report.Chunks)
	j.counter("completed").Inc()
	return report
}

func (j *Job[T]) run(ctx context.Context, report *Report) error {
	items, err := j.Read(ctx)
	if err != nil {
		return errors.Wrap(err, "reading snapshot")
	}

	chunkSize := j.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	var (
		chunk       []T
		readInChunk int
	)

	flush := func() error {
		readInChunk = 0
		if len(chunk) == 0 {
			return nil
		}
		if err := j.Write(ctx, chunk); err != nil {
			return errors.Wrapf(err, "writing chunk %d", report.Chunks+1)
		}
		report.Chunks++
		report.Written += len(chunk)
		j.Logger.InfoContext(ctx, "Committed chunk", "chunk", report.Chunks, "size", len(chunk))
		chunk = nil
		return nil
	}

	for item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		report.Read++
		readInChunk++

		resolved, changed, err := j.Process(ctx, item)
		switch {
		case err != nil:
			if !j.Policy.ShouldSkip(err, report.Skipped) {
				return err
			}
			report.Skipped++
			j.Logger.WarnContext(ctx, "Skipping item", "error", err, "skipCount", report.Skipped)
			metrics.GetOrCreateCounter(fmt.Sprintf(`batch_items_total{job=%q,result="skipped"}`, j.Name)).Inc()
		case changed:
			report.Changed++
			chunk = append(chunk, resolved)
		default:
			report.Unchanged++
		}

		if readInChunk >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func (j *Job[T]) counter(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`batch_run_total{job=%q,result=%q}`, j.Name, result))
}
