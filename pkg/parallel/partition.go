// Package parallel splits voxel index ranges across worker goroutines.
//
// Every sweep in the filter reads frozen inputs and writes disjoint outputs,
// so a range can be cut into contiguous chunks that run independently. The
// only synchronisation is the barrier at the end of For.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// chunksPerWorker oversubscribes the pool slightly so uneven chunks balance out.
const chunksPerWorker = 4

// Workers normalises a requested worker count: values below 1 mean all CPUs.
func Workers(n int) int {
	if n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Range is a half-open interval of linear voxel indices.
type Range struct {
	Lo, Hi int
}

// Split cuts [0, n) into at most parts contiguous ranges of near-equal size.
func Split(n, parts int) []Range {
	if n <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	ranges := make([]Range, 0, parts)
	size, rem := n/parts, n%parts
	lo := 0
	for i := 0; i < parts; i++ {
		hi := lo + size
		if i < rem {
			hi++
		}
		ranges = append(ranges, Range{Lo: lo, Hi: hi})
		lo = hi
	}
	return ranges
}

// For runs fn over [0, n) using at most workers goroutines. fn receives a
// chunk index so callers can keep per-chunk scratch or partial results.
// The first error cancels the remaining chunks and is returned after all
// running chunks finish.
func For(ctx context.Context, n, workers int, fn func(ctx context.Context, chunk int, r Range) error) error {
	workers = Workers(workers)
	ranges := Split(n, workers*chunksPerWorker)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, r := range ranges {
		if err := gctx.Err(); err != nil {
			break
		}
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i, r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Chunks returns how many chunks For will create for n items, which lets
// callers size per-chunk result slices up front.
func Chunks(n, workers int) int {
	return len(Split(n, Workers(workers)*chunksPerWorker))
}
