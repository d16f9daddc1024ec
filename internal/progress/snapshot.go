package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// SnapshotService computes the daily bias rollups BiasSnapshotService
// produces: one overall snapshot plus one per docset, each built from the
// most recent scanned result per URL as of the target date.
type SnapshotService struct {
	store storage.Store
}

func NewSnapshotService(store storage.Store) *SnapshotService {
	return &SnapshotService{store: store}
}

// CalculateAndSaveToday computes and persists today's snapshots, returning
// nil for overall if no completed scan has ever produced a page.
func (s *SnapshotService) CalculateAndSaveToday(ctx context.Context) (*core.BiasSnapshot, []*core.BiasSnapshotByDocset, error) {
	today := time.Now().UTC()
	cutoff := time.Date(today.Year(), today.Month(), today.Day(), 23, 59, 59, 0, time.UTC)

	pages, err := s.store.LatestPagesAsOf(ctx, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("calculate snapshots: %w", err)
	}
	if len(pages) == 0 {
		return nil, nil, nil
	}

	dateOnly := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)

	overall := rollup(pages)
	snapshot := &core.BiasSnapshot{
		Date:           dateOnly,
		TotalPages:     overall.total,
		BiasedPages:    overall.biased,
		BiasPercentage: overall.percentage(),
	}
	if err := s.store.UpsertBiasSnapshot(ctx, snapshot); err != nil {
		return nil, nil, fmt.Errorf("save overall snapshot: %w", err)
	}

	byDocset := map[string][]*core.Page{}
	for _, p := range pages {
		ds := DocSet(p.URL)
		if ds == "" {
			continue
		}
		byDocset[ds] = append(byDocset[ds], p)
	}

	docsetSnapshots := make([]*core.BiasSnapshotByDocset, 0, len(byDocset))
	for ds, docPages := range byDocset {
		r := rollup(docPages)
		snap := &core.BiasSnapshotByDocset{
			Date:           dateOnly,
			DocSet:         ds,
			TotalPages:     r.total,
			BiasedPages:    r.biased,
			BiasPercentage: r.percentage(),
		}
		if err := s.store.UpsertBiasSnapshotByDocset(ctx, snap); err != nil {
			return nil, nil, fmt.Errorf("save docset snapshot for %s: %w", ds, err)
		}
		docsetSnapshots = append(docsetSnapshots, snap)
	}

	return snapshot, docsetSnapshots, nil
}

type rollupCounts struct {
	total, biased int
}

func (r rollupCounts) percentage() float64 {
	if r.total == 0 {
		return 0
	}
	pct := float64(r.biased) / float64(r.total) * 100
	return float64(int(pct*100+0.5)) / 100
}

func rollup(pages []*core.Page) rollupCounts {
	r := rollupCounts{total: len(pages)}
	for _, p := range pages {
		if p.IsBiased() {
			r.biased++
		}
	}
	return r
}
