package acquire

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ManyResult answers the request at the same index.
type ManyResult struct {
	Request Request
	Result  *Result
	Err     error
}

// AcquireMany resolves reqs together: one batched cache lookup, duplicates
// collapsed to a single Acquire, misses fetched with bounded concurrency.
// Errors are reported per request.
func (c *Coordinator) AcquireMany(ctx context.Context, reqs []Request) []ManyResult {
	out := make([]ManyResult, len(reqs))
	byKey := make(map[string][]int, len(reqs))
	var order []string

	for i, req := range reqs {
		req = req.normalized()
		out[i].Request = req
		if err := req.validate(); err != nil {
			out[i].Err = err
			continue
		}
		key := req.Key()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], i)
	}

	if saved := countIndexes(byKey) - len(order); saved > 0 {
		c.deduplicated.Add(int64(saved))
	}

	var lookup []string
	for _, key := range order {
		if !out[byKey[key][0]].Request.ForceRefresh {
			lookup = append(lookup, key)
		}
	}

	// a cache outage here only means every key goes to Acquire
	found, _ := c.store.GetMany(ctx, lookup)

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, key := range order {
		idxs := byKey[key]

		if entry, ok := found[key]; ok {
			c.requests.Add(1)
			c.cacheHits.Add(1)
			res := resultFromEntry(entry)
			res.Cached = true
			for _, i := range idxs {
				out[i].Result = res
			}
			continue
		}

		req := out[idxs[0]].Request
		g.Go(func() error {
			res, err := c.Acquire(ctx, req)
			for _, i := range idxs {
				out[i].Result, out[i].Err = res, err
			}
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func countIndexes(m map[string][]int) int {
	n := 0
	for _, idxs := range m {
		n += len(idxs)
	}
	return n
}
