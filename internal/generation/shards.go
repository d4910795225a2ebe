package generation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/satgen/internal/refine"
)

// ShardFunc fills one shard with a model owned by that shard alone.
type ShardFunc func(ctx context.Context, shard int, m refine.Model) (*refine.Result, error)

// FillShards runs n independent fills concurrently, at most limit at a
// time (limit <= 0 means no limit). newModel is called once per shard;
// nothing is shared between shards. The first failure cancels the rest.
func FillShards(ctx context.Context, n, limit int, newModel func(shard int) (refine.Model, error), fill ShardFunc) ([]*refine.Result, error) {
	results := make([]*refine.Result, n)
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range n {
		g.Go(func() error {
			m, err := newModel(i)
			if err != nil {
				return fmt.Errorf("shard %d: load model: %w", i, err)
			}
			res, err := fill(ctx, i, m)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
