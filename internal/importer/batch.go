package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/rekindle/internal/models"
)

// Batch size bounds
const (
	DefaultBatchSize = 100
	MinBatchSize     = 10
	MaxBatchSize     = 1000
)

// MemberInserter persists members, all or nothing per call
type MemberInserter interface {
	InsertMembers(ctx context.Context, members []models.Member) ([]string, error)
}

// BatchLimits bounds the effective batch size
type BatchLimits struct {
	Default int
	Min     int
	Max     int
}

// DefaultBatchLimits returns the stock bounds
func DefaultBatchLimits() BatchLimits {
	return BatchLimits{Default: DefaultBatchSize, Min: MinBatchSize, Max: MaxBatchSize}
}

// Effective clamps a caller hint into the bounds. A zero or negative hint
// selects the default
func (l BatchLimits) Effective(hint int) int {
	size := hint
	if size <= 0 {
		size = l.Default
	}
	if size < l.Min {
		size = l.Min
	}
	if size > l.Max {
		size = l.Max
	}
	return size
}

// EffectiveBatchSize clamps hint into the stock bounds
func EffectiveBatchSize(hint int) int {
	return DefaultBatchLimits().Effective(hint)
}

// BatchOptions tunes the writer
type BatchOptions struct {
	Size    int
	Delay   time.Duration // pause between chunks
	Timeout time.Duration // per chunk; 0 means none
	// OnChunk is called after each committed chunk
	OnChunk func(index, inserted int)
}

// BatchResult reports write progress. Err is set when a chunk failed;
// chunks before it stay committed
type BatchResult struct {
	TotalInserted    int
	BatchesProcessed int
	Err              error
}

// WriteBatches writes candidates in ordered chunks of opts.Size and stops
// at the first failing chunk
func WriteBatches(ctx context.Context, inserter MemberInserter, cands []Candidate, opts BatchOptions) BatchResult {
	var result BatchResult
	if opts.Size <= 0 {
		opts.Size = DefaultBatchSize
	}

	total := (len(cands) + opts.Size - 1) / opts.Size
	for i := 0; i < total; i++ {
		if i > 0 && opts.Delay > 0 {
			timer := time.NewTimer(opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				result.Err = fmt.Errorf("batch %d not started: %w", i+1, ctx.Err())
				return result
			case <-timer.C:
			}
		}

		chunk := cands[i*opts.Size : min((i+1)*opts.Size, len(cands))]
		inserted, err := insertChunk(ctx, inserter, chunk, opts.Timeout)
		if err != nil {
			result.Err = fmt.Errorf("batch %d of %d failed: %w", i+1, total, err)
			return result
		}

		result.TotalInserted += inserted
		result.BatchesProcessed++
		if opts.OnChunk != nil {
			opts.OnChunk(i, inserted)
		}
	}

	return result
}

func insertChunk(ctx context.Context, inserter MemberInserter, chunk []Candidate, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	members := make([]models.Member, len(chunk))
	for i, c := range chunk {
		members[i] = c.Member()
	}

	ids, err := inserter.InsertMembers(ctx, members)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
