// Package quota keeps size-bounded partitions under their byte budget.
//
// Eviction is approximate: when a partition is over budget the oldest fifth
// of its entries, by insertion order, is dropped. Reads do not refresh an
// entry's position.
package quota

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"swcache/internal/partition"
)

const evictFraction = 0.2

// Report describes one enforcement pass.
type Report struct {
	Partition string
	Limit     int64
	Before    int64
	After     int64
	Count     int
	Evicted   int
}

// OverBudget reports whether the pass found the partition over its limit.
func (r Report) OverBudget() bool {
	return r.Before > r.Limit
}

// Enforcer applies byte limits per partition name. Partitions without a
// limit are never trimmed.
type Enforcer struct {
	store  partition.Store
	limits map[string]int64
	log    *slog.Logger
}

func New(store partition.Store, limits map[string]int64, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	copied := make(map[string]int64, len(limits))
	for name, max := range limits {
		if max > 0 {
			copied[name] = max
		}
	}
	return &Enforcer{store: store, limits: copied, log: logger}
}

// Limit returns the byte budget of name.
func (e *Enforcer) Limit(name string) (int64, bool) {
	max, ok := e.limits[name]
	return max, ok
}

// Enforce measures the partition and evicts floor(count*0.2) of the oldest
// entries when the total exceeds the limit. A failed delete is logged and the
// remaining deletes still run.
func (e *Enforcer) Enforce(ctx context.Context, name string) (Report, error) {
	max, ok := e.limits[name]
	if !ok {
		return Report{Partition: name}, nil
	}
	report := Report{Partition: name, Limit: max}

	p, err := e.store.Open(ctx, name)
	if err != nil {
		return report, fmt.Errorf("open partition: %w", err)
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list partition: %w", err)
	}

	sizes := make([]int64, len(keys))
	for i, key := range keys {
		resp, err := p.Match(ctx, key)
		if err != nil {
			return report, fmt.Errorf("measure %q: %w", key, err)
		}
		sizes[i] = resp.Size()
		report.Before += sizes[i]
	}
	report.Count = len(keys)
	report.After = report.Before

	if report.Before <= max {
		return report, nil
	}

	toDelete := int(float64(len(keys)) * evictFraction)
	for i := 0; i < toDelete; i++ {
		deleted, err := p.Delete(ctx, keys[i])
		if err != nil {
			e.log.Warn("evict entry failed", "partition", name, "key", keys[i], "err", err)
			continue
		}
		if deleted {
			report.Evicted++
			report.After -= sizes[i]
		}
	}
	e.log.Info("partition over quota",
		"partition", name,
		"limit", max,
		"before", report.Before,
		"after", report.After,
		"evicted", report.Evicted,
	)
	return report, nil
}
