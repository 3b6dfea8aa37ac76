// Package sequence allocates human-readable instance numbers of the form
// PREFIX-YEAR-NNN.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/model"
)

// Allocator issues instance numbers from a per-type counter held in the
// store. The counter row stays locked until the enclosing transaction ends,
// so concurrent creations of the same type are serialized on it while
// other types proceed independently.
type Allocator struct {
	now func() time.Time
}

// NewAllocator creates an allocator reading the wall clock through now.
// A nil now uses time.Now.
func NewAllocator(now func() time.Time) *Allocator {
	if now == nil {
		now = time.Now
	}
	return &Allocator{now: now}
}

// Allocate returns the next number for pt inside tx. The year comes from
// the clock at allocation time. A type without a counter yet is seeded from
// the highest sequence among its existing instance numbers.
func (a *Allocator) Allocate(ctx context.Context, tx store.Tx, pt model.ProcessType) (string, error) {
	n, err := tx.NextSequence(ctx, pt.ID, func(ctx context.Context) (int, error) {
		return tx.MaxInstanceSequence(ctx, pt.ID)
	})
	if err != nil {
		return "", fmt.Errorf("allocating number for %s: %w", pt.ID, err)
	}
	return Format(pt.Prefix, a.now().Year(), n), nil
}

// Format renders an instance number with a zero-padded sequence of at least
// three digits.
func Format(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%d-%03d", prefix, year, seq)
}
