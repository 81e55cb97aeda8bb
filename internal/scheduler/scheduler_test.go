package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veilcash-tools/veil-scan/internal/chain"
	"github.com/veilcash-tools/veil-scan/internal/notecrypto"
	"github.com/veilcash-tools/veil-scan/internal/reorg"
	"github.com/veilcash-tools/veil-scan/internal/scan"
	"github.com/veilcash-tools/veil-scan/internal/store"
	"github.com/veilcash-tools/veil-scan/internal/store/rocksdb"
)

// fakeChain is a mutable in-memory chain.
type fakeChain struct {
	mu     sync.Mutex
	blocks []chain.BlockView
	calls  map[int64]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{calls: make(map[int64]int)}
}

func (f *fakeChain) TipHeight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.blocks)) - 1, nil
}

func (f *fakeChain) BlockAt(ctx context.Context, height int64) (chain.BlockView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[height]++
	if height < 0 || height >= int64(len(f.blocks)) {
		return chain.BlockView{}, chain.ErrNotYetAvailable
	}
	return f.blocks[height], nil
}

// extend appends a block, optionally carrying one sealed note for vk.
func (f *fakeChain) extend(t *testing.T, tag string, vk *notecrypto.ViewingKey, value uint64) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	h := int64(len(f.blocks))
	blk := chain.BlockView{
		Height: h,
		Hash:   fmt.Sprintf("%s-%d", tag, h),
	}
	if h > 0 {
		blk.PrevHash = f.blocks[h-1].Hash
	}
	if vk != nil {
		c, ok := vk.Capability(chain.PoolSapling)
		if !ok {
			t.Fatal("no sapling capability")
		}
		epk := bytes.Repeat([]byte{0x33}, 32)
		ct, err := c.Seal(epk, notecrypto.Note{Value: value})
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		blk.Txs = []chain.TxView{
			{
				TxID: fmt.Sprintf("tx-%d", h),
				Outputs: []chain.ShieldedOutput{
					{Pool: chain.PoolSapling, OutputIndex: 0, EphemeralKey: strings.Repeat("33", 32), EncCiphertext: ct},
				},
			},
		}
	}
	f.blocks = append(f.blocks, blk)
}

// reorgFrom rewrites the chain from height h with new hashes.
func (f *fakeChain) reorgFrom(h int64, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.blocks = f.blocks[:h]
	for int64(len(f.blocks)) <= h {
		nb := chain.BlockView{
			Height: int64(len(f.blocks)),
			Hash:   fmt.Sprintf("%s-%d", tag, len(f.blocks)),
		}
		if len(f.blocks) > 0 {
			nb.PrevHash = f.blocks[len(f.blocks)-1].Hash
		}
		f.blocks = append(f.blocks, nb)
	}
}

func testVK(t *testing.T) notecrypto.ViewingKey {
	t.Helper()
	vk, err := notecrypto.ParseViewingKey(strings.Repeat("a", 64), "")
	if err != nil {
		t.Fatalf("ParseViewingKey: %v", err)
	}
	return vk
}

func startCoordinator(t *testing.T, st store.Store, src chain.Source) (*Coordinator, context.CancelFunc) {
	t.Helper()

	recon, err := reorg.New(st, src)
	if err != nil {
		t.Fatalf("reorg.New: %v", err)
	}
	coord, err := New(st, src, scan.NewEngine(2), recon, Config{
		BatchWidth:   4,
		PollInterval: 10 * time.Millisecond,
		RetryBase:    5 * time.Millisecond,
		RetryMax:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return coord, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
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

func TestCoordinatorScansToTip(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	vk := testVK(t)

	src := newFakeChain()
	for h := 0; h < 10; h++ {
		if h == 3 || h == 7 {
			src.extend(t, "main", &vk, uint64(100+h))
		} else {
			src.extend(t, "main", nil, 0)
		}
	}

	if err := st.InsertKey(ctx, store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		Birthday:   0,
		ScannedTo:  -1,
	}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	startCoordinator(t, st, src)

	waitFor(t, "scan to tip", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 9
	})

	rs, err := st.QueryResults(ctx, vk.KeyID(), 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("got %d results, want 2", len(rs))
	}
	if rs[0].Height != 3 || rs[1].Height != 7 {
		t.Fatalf("heights: %d, %d", rs[0].Height, rs[1].Height)
	}
	if rs[0].ValueZat != 103 || rs[1].ValueZat != 107 {
		t.Fatalf("values: %d, %d", rs[0].ValueZat, rs[1].ValueZat)
	}
	if rs[0].Seq >= rs[1].Seq {
		t.Fatalf("seqs not increasing: %d, %d", rs[0].Seq, rs[1].Seq)
	}

	rec, _, _ := st.GetKey(ctx, vk.KeyID())
	if rec.TipHash != "main-9" {
		t.Fatalf("tip hash %q", rec.TipHash)
	}
}

func TestCoordinatorStartsAtBirthday(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	vk := testVK(t)

	src := newFakeChain()
	for h := 0; h < 8; h++ {
		src.extend(t, "main", nil, 0)
	}

	if err := st.InsertKey(ctx, store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		Birthday:   5,
		ScannedTo:  4,
	}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	startCoordinator(t, st, src)

	waitFor(t, "scan to tip", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 7
	})

	// Nothing below the birthday is marked.
	if _, ok, _ := st.HashAtHeight(ctx, vk.KeyID(), 4); ok {
		t.Fatal("scanned below birthday")
	}
	if _, ok, _ := st.HashAtHeight(ctx, vk.KeyID(), 5); !ok {
		t.Fatal("birthday block not marked")
	}
}

func TestCoordinatorFollowsReorg(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	vk := testVK(t)

	src := newFakeChain()
	for h := 0; h < 10; h++ {
		if h == 8 {
			src.extend(t, "old", &vk, 888)
		} else {
			src.extend(t, "old", nil, 0)
		}
	}

	if err := st.InsertKey(ctx, store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		Birthday:   0,
		ScannedTo:  -1,
	}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	coord, _ := startCoordinator(t, st, src)

	waitFor(t, "initial sync", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 9
	})

	// Replace heights 6.. with a new branch; the note at 8 is orphaned.
	src.reorgFrom(6, "new")
	for h := 7; h < 12; h++ {
		src.extend(t, "new", nil, 0)
	}
	coord.Notify()

	waitFor(t, "reorg recovery", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 11 && rec.TipHash == "new-11"
	})

	rs, err := st.QueryResults(ctx, vk.KeyID(), 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 0 {
		t.Fatalf("orphaned results survived: %+v", rs)
	}

	if hash, ok, _ := st.HashAtHeight(ctx, vk.KeyID(), 5); !ok || hash != "old-5" {
		t.Fatalf("pre-fork mark lost: %q ok=%v", hash, ok)
	}
	if hash, ok, _ := st.HashAtHeight(ctx, vk.KeyID(), 8); !ok || hash != "new-8" {
		t.Fatalf("post-fork mark: %q ok=%v", hash, ok)
	}
}

func TestCoordinatorFollowsSameHeightReorg(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	vk := testVK(t)

	src := newFakeChain()
	for h := 0; h < 10; h++ {
		if h == 8 {
			src.extend(t, "old", &vk, 888)
		} else {
			src.extend(t, "old", nil, 0)
		}
	}

	if err := st.InsertKey(ctx, store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		Birthday:   0,
		ScannedTo:  -1,
	}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	coord, _ := startCoordinator(t, st, src)

	waitFor(t, "initial sync", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 9
	})

	// Replace heights 6..9 with a sibling branch of identical length.
	// The tip height never moves, so only reconciliation can notice.
	src.reorgFrom(6, "new")
	src.extend(t, "new", nil, 0)
	src.extend(t, "new", &vk, 999)
	src.extend(t, "new", nil, 0)
	coord.Notify()

	waitFor(t, "same-height reorg recovery", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 9 && rec.TipHash == "new-9"
	})

	rs, err := st.QueryResults(ctx, vk.KeyID(), 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 1 || rs[0].Height != 8 || rs[0].ValueZat != 999 {
		t.Fatalf("results after recovery: %+v", rs)
	}
	if hash, ok, _ := st.HashAtHeight(ctx, vk.KeyID(), 8); !ok || hash != "new-8" {
		t.Fatalf("post-fork mark: %q ok=%v", hash, ok)
	}
}

func TestCoordinatorCancelKeyStopsScanning(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	vk := testVK(t)

	src := newFakeChain()
	for h := 0; h < 5; h++ {
		src.extend(t, "main", nil, 0)
	}

	if err := st.InsertKey(ctx, store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		Birthday:   0,
		ScannedTo:  -1,
	}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	coord, _ := startCoordinator(t, st, src)

	waitFor(t, "initial sync", func() bool {
		rec, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && rec.ScannedTo == 4
	})

	coord.CancelKey(vk.KeyID())
	// Cancelling twice is harmless.
	coord.CancelKey(vk.KeyID())

	rec, _, _ := st.GetKey(ctx, vk.KeyID())
	before := rec.ScannedTo

	for h := 5; h < 8; h++ {
		src.extend(t, "main", nil, 0)
	}
	coord.Notify()
	time.Sleep(100 * time.Millisecond)

	rec, _, _ = st.GetKey(ctx, vk.KeyID())
	if rec.ScannedTo != before {
		t.Fatalf("cancelled key advanced from %d to %d", before, rec.ScannedTo)
	}
}

// faultStore fails CommitRange for one key and passes everything else
// through.
type faultStore struct {
	store.Store
	failKeyID string
}

func (f *faultStore) CommitRange(ctx context.Context, c store.RangeCommit) error {
	if c.KeyID == f.failKeyID {
		return fmt.Errorf("commit %s: disk full", c.KeyID)
	}
	return f.Store.CommitRange(ctx, c)
}

func TestCoordinatorIsolatesFailingKey(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	vkA := testVK(t)
	vkB, err := notecrypto.ParseViewingKey(strings.Repeat("b", 64), "")
	if err != nil {
		t.Fatalf("ParseViewingKey: %v", err)
	}

	src := newFakeChain()
	for h := 0; h < 6; h++ {
		if h == 3 {
			src.extend(t, "main", &vkB, 333)
		} else {
			src.extend(t, "main", nil, 0)
		}
	}

	for _, vk := range []notecrypto.ViewingKey{vkA, vkB} {
		if err := st.InsertKey(ctx, store.KeyRecord{
			KeyID:      vk.KeyID(),
			SaplingIVK: vk.SaplingHex(),
			Birthday:   0,
			ScannedTo:  -1,
		}); err != nil {
			t.Fatalf("InsertKey: %v", err)
		}
	}

	startCoordinator(t, &faultStore{Store: st, failKeyID: vkA.KeyID()}, src)

	waitFor(t, "healthy key scans to tip", func() bool {
		rec, _, err := st.GetKey(ctx, vkB.KeyID())
		return err == nil && rec.ScannedTo == 5
	})

	rs, err := st.QueryResults(ctx, vkB.KeyID(), 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 1 || rs[0].ValueZat != 333 {
		t.Fatalf("healthy key results: %+v", rs)
	}

	// The faulting key made no progress and was not quarantined; it
	// keeps retrying with backoff.
	rec, _, err := st.GetKey(ctx, vkA.KeyID())
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if rec.ScannedTo != -1 {
		t.Fatalf("failing key advanced to %d", rec.ScannedTo)
	}
	if rec.Quarantined {
		t.Fatal("failing key quarantined")
	}
}

func TestCoordinatorStartKeyWhileRunning(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	vk := testVK(t)

	src := newFakeChain()
	for h := 0; h < 6; h++ {
		src.extend(t, "main", nil, 0)
	}

	coord, _ := startCoordinator(t, st, src)

	rec := store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		Birthday:   2,
		ScannedTo:  1,
	}
	if err := st.InsertKey(ctx, rec); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	if err := coord.StartKey(rec); err != nil {
		t.Fatalf("StartKey: %v", err)
	}
	// Idempotent while running.
	if err := coord.StartKey(rec); err != nil {
		t.Fatalf("StartKey again: %v", err)
	}

	waitFor(t, "late key scans", func() bool {
		got, _, err := st.GetKey(ctx, vk.KeyID())
		return err == nil && got.ScannedTo == 5
	})
}

func TestStartKeyBeforeRun(t *testing.T) {
	st := openStore(t)
	src := newFakeChain()
	recon, _ := reorg.New(st, src)
	coord, err := New(st, src, scan.NewEngine(1), recon, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vk := testVK(t)
	err = coord.StartKey(store.KeyRecord{KeyID: vk.KeyID(), SaplingIVK: vk.SaplingHex()})
	if err == nil {
		t.Fatal("StartKey succeeded before Run")
	}
}

func TestFetcherCoalesces(t *testing.T) {
	src := newFakeChain()
	for h := 0; h < 3; h++ {
		src.extend(t, "main", nil, 0)
	}

	f := newFetcher(src, 16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.blockAt(ctx, 1); err != nil {
				t.Errorf("blockAt: %v", err)
			}
		}()
	}
	wg.Wait()

	src.mu.Lock()
	calls := src.calls[1]
	src.mu.Unlock()
	if calls < 1 || calls > 2 {
		t.Fatalf("height 1 fetched %d times", calls)
	}

	// Cached afterwards.
	if _, err := f.blockAt(ctx, 1); err != nil {
		t.Fatalf("blockAt cached: %v", err)
	}
	src.mu.Lock()
	calls2 := src.calls[1]
	src.mu.Unlock()
	if calls2 != calls {
		t.Fatalf("cache miss after fill: %d -> %d", calls, calls2)
	}

	f.flush()
	if _, err := f.blockAt(ctx, 1); err != nil {
		t.Fatalf("blockAt after flush: %v", err)
	}
	src.mu.Lock()
	calls3 := src.calls[1]
	src.mu.Unlock()
	if calls3 != calls2+1 {
		t.Fatalf("flush did not clear cache: %d -> %d", calls2, calls3)
	}
}
