package reorg

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/veilcash-tools/veil-scan/internal/chain"
	"github.com/veilcash-tools/veil-scan/internal/store"
	"github.com/veilcash-tools/veil-scan/internal/store/rocksdb"
)

// fakeSource serves a canonical chain from a hash-per-height slice.
type fakeSource struct {
	hashes []string
}

func (f *fakeSource) TipHeight(ctx context.Context) (int64, error) {
	return int64(len(f.hashes)) - 1, nil
}

func (f *fakeSource) BlockAt(ctx context.Context, height int64) (chain.BlockView, error) {
	if height < 0 || height >= int64(len(f.hashes)) {
		return chain.BlockView{}, chain.ErrNotYetAvailable
	}
	blk := chain.BlockView{Height: height, Hash: f.hashes[height]}
	if height > 0 {
		blk.PrevHash = f.hashes[height-1]
	}
	return blk, nil
}

func openStore(t *testing.T) *rocksdb.Store {
	t.Helper()
	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func commitChain(t *testing.T, st store.Store, keyID string, start, end int64, hashAt func(int64) string) {
	t.Helper()
	c := store.RangeCommit{KeyID: keyID, Start: start, End: end}
	for h := start; h < end; h++ {
		c.Blocks = append(c.Blocks, store.BlockMark{Height: h, Hash: hashAt(h)})
	}
	if err := st.CommitRange(context.Background(), c); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
}

func canonical(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("main-%d", i)
	}
	return out
}

func TestReconcileSynced(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	src := &fakeSource{hashes: canonical(20)}

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 5, ScannedTo: 4}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	commitChain(t, st, "k1", 5, 15, func(h int64) string { return src.hashes[h] })

	r, err := New(st, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, _, _ := st.GetKey(ctx, "k1")
	res, err := r.Reconcile(ctx, rec)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Forked {
		t.Fatalf("clean chain reported forked: %+v", res)
	}
	rec, _, _ = st.GetKey(ctx, "k1")
	if rec.ScannedTo != 14 {
		t.Fatalf("progress moved: %d", rec.ScannedTo)
	}
}

func TestReconcileNothingScanned(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	src := &fakeSource{hashes: canonical(5)}

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 10, ScannedTo: 9}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	r, _ := New(st, src)
	rec, _, _ := st.GetKey(ctx, "k1")
	res, err := r.Reconcile(ctx, rec)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Forked {
		t.Fatal("unscanned key reported forked")
	}
}

func TestReconcileRollsBackToForkPoint(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	// The key scanned the old chain; blocks 8.. were replaced.
	oldHash := func(h int64) string {
		if h >= 8 {
			return fmt.Sprintf("orphan-%d", h)
		}
		return fmt.Sprintf("main-%d", h)
	}
	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 0, ScannedTo: -1}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	commitChain(t, st, "k1", 0, 12, oldHash)

	src := &fakeSource{hashes: canonical(20)}
	r, _ := New(st, src)

	rec, _, _ := st.GetKey(ctx, "k1")
	res, err := r.Reconcile(ctx, rec)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Forked {
		t.Fatal("fork not detected")
	}
	if res.ForkHeight != 7 {
		t.Fatalf("fork height %d, want 7", res.ForkHeight)
	}

	rec, _, _ = st.GetKey(ctx, "k1")
	if rec.ScannedTo != 7 {
		t.Fatalf("scanned_to = %d, want 7", rec.ScannedTo)
	}
	if _, ok, _ := st.HashAtHeight(ctx, "k1", 8); ok {
		t.Fatal("orphaned mark survived")
	}
}

func TestReconcileWholeRangeDiverged(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 3, ScannedTo: 2}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	commitChain(t, st, "k1", 3, 8, func(h int64) string { return fmt.Sprintf("orphan-%d", h) })

	src := &fakeSource{hashes: canonical(20)}
	r, _ := New(st, src)

	rec, _, _ := st.GetKey(ctx, "k1")
	res, err := r.Reconcile(ctx, rec)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Forked || res.ForkHeight != 2 {
		t.Fatalf("result: %+v, want fork at birthday-1", res)
	}
	rec, _, _ = st.GetKey(ctx, "k1")
	if rec.ScannedTo != 2 {
		t.Fatalf("scanned_to = %d, want birthday-1", rec.ScannedTo)
	}
}

func TestReconcileChainShrank(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 0, ScannedTo: -1}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	commitChain(t, st, "k1", 0, 10, func(h int64) string { return fmt.Sprintf("main-%d", h) })

	// Canonical chain reorged to a shorter one: heights 6.. are gone.
	src := &fakeSource{hashes: canonical(6)}
	r, _ := New(st, src)

	rec, _, _ := st.GetKey(ctx, "k1")
	res, err := r.Reconcile(ctx, rec)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Forked || res.ForkHeight != 5 {
		t.Fatalf("result: %+v, want fork at 5", res)
	}
}
