package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// IndexError reports the sub-batch that failed. Sub-batches before it were
// written durably; there is no atomicity across sub-batches.
type IndexError struct {
	Offset int
	Count  int
	Err    error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("upsert of records [%d:%d] failed: %v", e.Offset, e.Offset+e.Count, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

type BatcherConfig struct {
	BatchSize int
	Workers   int
	RateLimit float64 // sub-batches per second, 0 disables pacing
	// OnProgress is called after each written sub-batch with the running
	// total. With several workers it may be called concurrently.
	OnProgress func(written, total int)
	// OnWritten receives each sub-batch once the index accepted it. It has
	// the same concurrency as OnProgress.
	OnWritten func(batch []models.VectorRecord)
}

// Batcher splits an upsert into sub-batches of at most BatchSize records.
type Batcher struct {
	index   types.VectorIndex
	config  BatcherConfig
	limiter *rate.Limiter
}

func NewBatcher(index types.VectorIndex, config BatcherConfig) *Batcher {
	if config.BatchSize <= 0 || config.BatchSize > MaxUpsertBatch {
		config.BatchSize = MaxUpsertBatch
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	b := &Batcher{index: index, config: config}
	if config.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return b
}

// Upsert issues ceil(len(records)/BatchSize) index calls. With one worker
// they run in order and a failure stops the sequence; with more workers the
// first failure cancels sub-batches not yet started.
func (b *Batcher) Upsert(ctx context.Context, records []models.VectorRecord) (int, error) {
	total := len(records)
	var written atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Workers)

	for offset := 0; offset < total; offset += b.config.BatchSize {
		end := offset + b.config.BatchSize
		if end > total {
			end = total
		}
		offset, batch := offset, records[offset:end]

		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// cancelled, or an earlier sub-batch failed
			if err := gctx.Err(); err != nil {
				return &IndexError{Offset: offset, Count: len(batch), Err: err}
			}
			if b.limiter != nil {
				if err := b.limiter.Wait(gctx); err != nil {
					return &IndexError{Offset: offset, Count: len(batch), Err: err}
				}
			}
			if err := b.index.Upsert(gctx, batch); err != nil {
				return &IndexError{Offset: offset, Count: len(batch), Err: err}
			}
			if b.config.OnWritten != nil {
				b.config.OnWritten(batch)
			}
			n := written.Add(int64(len(batch)))
			if b.config.OnProgress != nil {
				b.config.OnProgress(int(n), total)
			}
			return nil
		})
	}

	err := g.Wait()
	n := int(written.Load())
	if err == nil && n < total {
		if cerr := ctx.Err(); cerr != nil {
			err = &IndexError{Offset: n, Count: total - n, Err: cerr}
		}
	}
	return n, err
}
