// Package reorg reconciles each key's recorded chain view with the
// node's canonical chain, rolling scan progress back to the fork point
// when the chains disagree.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/veilcash-tools/veil-scan/internal/chain"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

type Reconciler struct {
	st  store.Store
	src chain.Source
}

func New(st store.Store, src chain.Source) (*Reconciler, error) {
	if st == nil {
		return nil, errors.New("reorg: store is nil")
	}
	if src == nil {
		return nil, errors.New("reorg: source is nil")
	}
	return &Reconciler{st: st, src: src}, nil
}

// Result reports one reconciliation pass. When Forked is false the key's
// recorded tip is on the canonical chain and ForkHeight is zero.
type Result struct {
	Forked bool
	// ForkHeight is the highest recorded height that still matches the
	// canonical chain, or birthday-1 when the whole recorded range
	// diverged.
	ForkHeight int64
}

// Reconcile compares the key's recorded block hashes against the
// canonical chain, walking back from the scanned tip until the hashes
// agree, and truncates everything above the agreement point. A key that
// has not scanned anything yet is trivially in sync.
func (r *Reconciler) Reconcile(ctx context.Context, rec store.KeyRecord) (Result, error) {
	if rec.ScannedTo < rec.Birthday {
		return Result{}, nil
	}

	match, err := r.matchesCanonical(ctx, rec.KeyID, rec.ScannedTo)
	if err != nil {
		return Result{}, err
	}
	if match {
		return Result{}, nil
	}

	fork := rec.Birthday - 1
	for h := rec.ScannedTo - 1; h >= rec.Birthday; h-- {
		m, err := r.matchesCanonical(ctx, rec.KeyID, h)
		if err != nil {
			return Result{}, err
		}
		if m {
			fork = h
			break
		}
	}

	if err := r.st.Truncate(ctx, rec.KeyID, fork+1); err != nil {
		return Result{}, fmt.Errorf("reorg: truncate key %s above %d: %w", rec.KeyID, fork, err)
	}
	log.Printf("reorg: key=%s rolled back from %d to %d", rec.KeyID, rec.ScannedTo, fork)
	return Result{Forked: true, ForkHeight: fork}, nil
}

func (r *Reconciler) matchesCanonical(ctx context.Context, keyID string, height int64) (bool, error) {
	recorded, ok, err := r.st.HashAtHeight(ctx, keyID, height)
	if err != nil {
		return false, fmt.Errorf("reorg: recorded hash at %d: %w", height, err)
	}
	if !ok {
		// No mark recorded for this height; nothing to contradict.
		return false, nil
	}

	blk, err := r.src.BlockAt(ctx, height)
	if err != nil {
		if errors.Is(err, chain.ErrNotYetAvailable) {
			// Canonical chain is now shorter than the recorded one.
			return false, nil
		}
		return false, fmt.Errorf("reorg: canonical block at %d: %w", height, err)
	}
	return blk.Hash == recorded, nil
}
