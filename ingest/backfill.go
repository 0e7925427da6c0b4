package ingest

import (
	"context"
	"fmt"

	"prism-pipeline/domain"
	"prism-pipeline/retry"
	"prism-pipeline/store"
)

// Pager fetches numbered pages starting at 1.
type Pager interface {
	FetchPage(ctx context.Context, page int) (Page, error)
}

// Importer writes backfilled items to the remote store the board's feed reads from, so
// the feed's snapshots carry them. A stored copy with an equal or newer version is kept.
// It returns how many items were written.
type Importer interface {
	Import(ctx context.Context, items []domain.WorkflowItem) (int, error)
}

type Stats struct {
	Pages    int
	Imported int
	Accepted int
	Ignored  int
	Rejected int
}

// Backfill walks every page, imports its valid items into dst and then feeds the page to
// the store as remote deliveries. Page fetches are retried under p, imports under the
// write policy. A nil dst keeps the items local to the store.
func Backfill(ctx context.Context, src Pager, st *store.Store, dst Importer, p retry.Policy) (Stats, error) {
	var stats Stats
	wp := retry.WritePolicy()
	wp.Logger = p.Logger
	wp.Name = "ingest.import"
	cfg := st.Config()
	page := 1
	for {
		current := page
		res, err := retry.Do(ctx, p, func(ctx context.Context) (Page, error) {
			return src.FetchPage(ctx, current)
		}, retry.Classify)
		if err != nil {
			return stats, fmt.Errorf("fetch page %d: %w", current, err)
		}
		stats.Pages++
		if dst != nil {
			valid := make([]domain.WorkflowItem, 0, len(res.Items))
			for _, it := range res.Items {
				if it.ID != "" && cfg.HasColumn(it.Status) {
					valid = append(valid, it)
				}
			}
			n, err := retry.Do(ctx, wp, func(ctx context.Context) (int, error) {
				return dst.Import(ctx, valid)
			}, retry.Classify)
			if err != nil {
				return stats, fmt.Errorf("import page %d: %w", current, err)
			}
			stats.Imported += n
		}
		for _, it := range res.Items {
			r, err := st.UpsertFromRemote(it)
			switch {
			case err != nil:
				stats.Rejected++
			case r.Applied:
				stats.Accepted++
			default:
				stats.Ignored++
			}
		}
		if res.NextPage <= current {
			return stats, nil
		}
		page = res.NextPage
	}
}
