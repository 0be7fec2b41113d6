// Package ingest copies upstream pages into the raw record stage, one
// worker per partition, resuming from and advancing the checkpoint ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/records"
	"github.com/bull/shardsearch/internal/source"
)

// RawSchemaVersion is the schema version stamped on raw records.
const RawSchemaVersion = 1

// maxStaleRetries bounds how often one partition re-reads the ledger after
// losing a commit race before giving up.
const maxStaleRetries = 10

// Options configures a Runner.
type Options struct {
	// Parallelism bounds concurrently running partitions. Zero means one
	// worker per partition.
	Parallelism int
	// MaxPages bounds pages fetched per partition per run. Zero means
	// until the upstream reports done.
	MaxPages int
	Logger   *slog.Logger
}

// PartitionResult reports what one partition worker did.
type PartitionResult struct {
	Partition    source.Partition `json:"partition"`
	StartOffset  int64            `json:"start_offset"`
	EndOffset    int64            `json:"end_offset"`
	Pages        int              `json:"pages"`
	Items        int              `json:"items"`
	Objects      []string         `json:"objects,omitempty"`
	StaleRetries int              `json:"stale_retries,omitempty"`
	NotModified  bool             `json:"not_modified,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Summary reports a whole run.
type Summary struct {
	RunID      string            `json:"run_id"`
	Partitions []PartitionResult `json:"partitions"`
	Duration   time.Duration     `json:"duration"`
}

// Items returns the number of raw records written by the run.
func (s *Summary) Items() int {
	n := 0
	for _, p := range s.Partitions {
		n += p.Items
	}
	return n
}

// Objects returns the number of raw objects written by the run.
func (s *Summary) Objects() int {
	n := 0
	for _, p := range s.Partitions {
		n += len(p.Objects)
	}
	return n
}

// Runner drives ingestion.
type Runner struct {
	ledger  checkpoint.Ledger
	fetcher source.Fetcher
	store   *records.Store
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a runner.
func NewRunner(ledger checkpoint.Ledger, fetcher source.Fetcher, store *records.Store, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ledger:  ledger,
		fetcher: fetcher,
		store:   store,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Run ingests every partition. Partitions run independently; a failing
// partition does not stop the others, and Run returns the joined errors
// alongside a summary covering all of them.
func (r *Runner) Run(ctx context.Context, partitions []source.Partition) (*Summary, error) {
	start := r.now()
	sum := &Summary{RunID: uuid.NewString(), Partitions: make([]PartitionResult, len(partitions))}

	r.logger.Info("ingestion started", "run_id", sum.RunID, "partitions", len(partitions))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if r.opts.Parallelism > 0 {
		g.SetLimit(r.opts.Parallelism)
	}
	for i, p := range partitions {
		g.Go(func() error {
			res, err := r.RunPartition(ctx, p, sum.RunID)
			if err != nil {
				res.Error = err.Error()
				mu.Lock()
				errs = append(errs, fmt.Errorf("partition %s: %w", p, err))
				mu.Unlock()
			}
			sum.Partitions[i] = res
			return nil
		})
	}
	g.Wait()

	sum.Duration = r.now().Sub(start)
	r.logger.Info("ingestion finished",
		"run_id", sum.RunID,
		"items", sum.Items(),
		"objects", sum.Objects(),
		"failed_partitions", len(errs),
		"duration", sum.Duration)

	return sum, errors.Join(errs...)
}

// RunPartition ingests one partition. It resumes from the ledger, writes
// every non-empty page to the raw stage and only then commits the page's
// next position. A stale commit means another worker advanced the
// partition; the worker re-reads the ledger and continues from there.
func (r *Runner) RunPartition(ctx context.Context, p source.Partition, runID string) (PartitionResult, error) {
	res := PartitionResult{Partition: p}
	logger := r.logger.With("partition", p.String())

	pos, err := r.resume(ctx, p)
	if err != nil {
		return res, err
	}
	res.StartOffset, res.EndOffset = pos.Offset, pos.Offset
	logger.Debug("resuming", "offset", pos.Offset, "etag", pos.ETag)

	for r.opts.MaxPages <= 0 || res.Pages < r.opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := r.fetcher.FetchPage(ctx, p, pos)
		if err != nil {
			return res, err
		}
		res.Pages++
		if page.NotModified {
			res.NotModified = true
			logger.Debug("not modified", "offset", pos.Offset)
			return res, nil
		}

		if len(page.Items) > 0 {
			key, _, err := r.store.Write(ctx, records.StageRaw, r.now(), toRecords(page.Items, runID))
			if err != nil {
				return res, fmt.Errorf("write page at offset %d: %w", pos.Offset, err)
			}
			res.Items += len(page.Items)
			res.Objects = append(res.Objects, key)
			logger.Info("page stored", "offset", pos.Offset, "items", len(page.Items), "object", key)
		}

		if page.Next != pos {
			err := r.ledger.Commit(ctx, p.Key, p.SortKey, checkpoint.Record{
				PartitionKey: p.Key,
				SortKey:      p.SortKey,
				Offset:       page.Next.Offset,
				LastModified: page.Next.LastModified,
				ETag:         page.Next.ETag,
			})
			switch {
			case errors.Is(err, apperr.ErrStaleCheckpoint):
				res.StaleRetries++
				if res.StaleRetries > maxStaleRetries {
					return res, err
				}
				logger.Warn("checkpoint moved by another worker, re-reading", "proposed_offset", page.Next.Offset)
				if pos, err = r.resume(ctx, p); err != nil {
					return res, err
				}
				res.EndOffset = pos.Offset
				continue
			case err != nil:
				return res, fmt.Errorf("commit offset %d: %w", page.Next.Offset, err)
			}
			pos = page.Next
			res.EndOffset = pos.Offset
		}

		if page.Done {
			break
		}
	}
	return res, nil
}

func (r *Runner) resume(ctx context.Context, p source.Partition) (source.Position, error) {
	rec, err := r.ledger.Get(ctx, p.Key, p.SortKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return source.Position{}, nil
	}
	if err != nil {
		return source.Position{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return source.Position{Offset: rec.Offset, ETag: rec.ETag, LastModified: rec.LastModified}, nil
}

func toRecords(items []source.Item, runID string) []records.Record {
	recs := make([]records.Record, len(items))
	for i, it := range items {
		recs[i] = records.Record{
			EntityType:    it.EntityType,
			SourceID:      it.SourceID,
			SchemaVersion: RawSchemaVersion,
			RunID:         runID,
			Payload:       it.Payload,
		}
	}
	return recs
}
