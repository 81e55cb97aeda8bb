package scheduler

import (
	"context"
	"sync"

	"github.com/veilcash-tools/veil-scan/internal/chain"
)

// fetcher deduplicates and caches block fetches so that N keys scanning
// the same range cost one source round-trip per block, not N.
type fetcher struct {
	src chain.Source
	max int

	mu     sync.Mutex
	blocks map[int64]chain.BlockView
	calls  map[int64]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	blk  chain.BlockView
	err  error
}

func newFetcher(src chain.Source, max int) *fetcher {
	if max <= 0 {
		max = 256
	}
	return &fetcher{
		src:    src,
		max:    max,
		blocks: make(map[int64]chain.BlockView),
		calls:  make(map[int64]*fetchCall),
	}
}

func (f *fetcher) blockAt(ctx context.Context, height int64) (chain.BlockView, error) {
	f.mu.Lock()
	if blk, ok := f.blocks[height]; ok {
		f.mu.Unlock()
		return blk, nil
	}
	if fc, ok := f.calls[height]; ok {
		f.mu.Unlock()
		select {
		case <-fc.done:
			return fc.blk, fc.err
		case <-ctx.Done():
			return chain.BlockView{}, ctx.Err()
		}
	}
	fc := &fetchCall{done: make(chan struct{})}
	f.calls[height] = fc
	f.mu.Unlock()

	fc.blk, fc.err = f.src.BlockAt(ctx, height)

	f.mu.Lock()
	delete(f.calls, height)
	if fc.err == nil {
		if len(f.blocks) >= f.max {
			f.evictLowestLocked()
		}
		f.blocks[height] = fc.blk
	}
	f.mu.Unlock()
	close(fc.done)
	return fc.blk, fc.err
}

// evictLowestLocked drops the lowest cached height. Keys move upward
// together, so the low end is the coldest.
func (f *fetcher) evictLowestLocked() {
	var (
		lowest int64
		found  bool
	)
	for h := range f.blocks {
		if !found || h < lowest {
			lowest = h
			found = true
		}
	}
	if found {
		delete(f.blocks, lowest)
	}
}

// flush empties the cache. Called whenever the tip moves, since cached
// heights may now name different blocks.
func (f *fetcher) flush() {
	f.mu.Lock()
	f.blocks = make(map[int64]chain.BlockView)
	f.mu.Unlock()
}
