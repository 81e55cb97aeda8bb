// Package scheduler drives scanning. It runs one goroutine per
// registered key, feeds each the latest chain tip, and walks the key's
// scanned-to height forward in bounded half-open ranges. Keys never
// share failure state: a broken key backs off or is quarantined while
// the others keep scanning.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/veilcash-tools/veil-scan/internal/chain"
	"github.com/veilcash-tools/veil-scan/internal/notecrypto"
	"github.com/veilcash-tools/veil-scan/internal/registry"
	"github.com/veilcash-tools/veil-scan/internal/reorg"
	"github.com/veilcash-tools/veil-scan/internal/scan"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

type Config struct {
	// BatchWidth bounds each scheduled range: [h+1, min(h+1+W, tip+1)).
	BatchWidth int64
	// PollInterval is the tip poll fallback when no push notification
	// arrives.
	PollInterval time.Duration
	// RetryBase/RetryMax bound the per-key backoff on storage or source
	// failures.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchWidth <= 0 {
		c.BatchWidth = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

type Coordinator struct {
	st    store.Store
	src   chain.Source
	eng   *scan.Engine
	recon *reorg.Reconciler
	cfg   Config
	fetch *fetcher

	wake chan struct{}

	mu      sync.Mutex
	runCtx  context.Context
	loops   map[string]*keyLoop
	lastTip int64
}

func New(st store.Store, src chain.Source, eng *scan.Engine, recon *reorg.Reconciler, cfg Config) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("scheduler: store is nil")
	}
	if src == nil {
		return nil, errors.New("scheduler: source is nil")
	}
	if eng == nil {
		return nil, errors.New("scheduler: engine is nil")
	}
	if recon == nil {
		return nil, errors.New("scheduler: reconciler is nil")
	}
	cfg.applyDefaults()
	return &Coordinator{
		st:      st,
		src:     src,
		eng:     eng,
		recon:   recon,
		cfg:     cfg,
		fetch:   newFetcher(src, int(cfg.BatchWidth)*4),
		wake:    make(chan struct{}, 1),
		loops:   make(map[string]*keyLoop),
		lastTip: -1,
	}, nil
}

// Notify wakes the tip loop ahead of the next poll. Safe from any
// goroutine; extra wakes coalesce.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run loads the registered keys, starts their scan loops and polls the
// source tip until ctx is cancelled. It returns after every key loop
// has drained.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	keys, err := c.st.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list keys: %w", err)
	}
	for _, rec := range keys {
		if rec.Quarantined {
			log.Printf("scheduler: key=%s quarantined (%s), not scheduling", rec.KeyID, rec.QuarantineReason)
			continue
		}
		if err := c.StartKey(rec); err != nil {
			log.Printf("scheduler: key=%s not started: %v", rec.KeyID, err)
		}
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.pollTip(ctx)
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return ctx.Err()
		case <-c.wake:
			c.pollTip(ctx)
		case <-ticker.C:
			c.pollTip(ctx)
		}
	}
}

func (c *Coordinator) pollTip(ctx context.Context) {
	tip, err := c.src.TipHeight(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("scheduler: tip height: %v", err)
		}
		return
	}

	c.mu.Lock()
	changed := tip != c.lastTip
	c.lastTip = tip
	loops := make([]*keyLoop, 0, len(c.loops))
	for _, kl := range c.loops {
		loops = append(loops, kl)
	}
	c.mu.Unlock()

	if changed {
		// A height-keyed cache cannot tell a reorged block from the one
		// it replaced, so drop everything whenever the tip moves.
		c.fetch.flush()
	}
	for _, kl := range loops {
		kl.push(tip)
	}
}

// StartKey begins scanning for a registered key. Idempotent while the
// key is already running. Callable only after Run has started.
func (c *Coordinator) StartKey(rec store.KeyRecord) error {
	vk, err := registry.ViewingKeyOf(rec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return errors.New("scheduler: not running")
	}
	if _, ok := c.loops[rec.KeyID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	kl := &keyLoop{
		keyID:  rec.KeyID,
		vk:     vk,
		cancel: cancel,
		done:   make(chan struct{}),
		tips:   make(chan int64, 1),
	}
	c.loops[rec.KeyID] = kl
	if c.lastTip >= 0 {
		kl.push(c.lastTip)
	}
	go c.runKey(ctx, kl)
	return nil
}

// CancelKey stops the key's scan loop and waits for any in-flight range
// to finish or abort. No-op for unknown keys. Must be called before a
// key is deregistered.
func (c *Coordinator) CancelKey(keyID string) {
	c.mu.Lock()
	kl, ok := c.loops[keyID]
	if ok {
		delete(c.loops, keyID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	kl.cancel()
	<-kl.done
}

func (c *Coordinator) stopAll() {
	c.mu.Lock()
	loops := make([]*keyLoop, 0, len(c.loops))
	for _, kl := range c.loops {
		loops = append(loops, kl)
	}
	c.loops = make(map[string]*keyLoop)
	c.mu.Unlock()

	for _, kl := range loops {
		kl.cancel()
	}
	for _, kl := range loops {
		<-kl.done
	}
}

type keyLoop struct {
	keyID  string
	vk     notecrypto.ViewingKey
	cancel context.CancelFunc
	done   chan struct{}
	tips   chan int64
}

// push delivers the tip latest-wins without blocking.
func (kl *keyLoop) push(tip int64) {
	for {
		select {
		case kl.tips <- tip:
			return
		default:
			select {
			case <-kl.tips:
			default:
			}
		}
	}
}

func (c *Coordinator) runKey(ctx context.Context, kl *keyLoop) {
	defer close(kl.done)

	backoff := c.cfg.RetryBase
	tip := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-kl.tips:
			if t > tip {
				tip = t
			}
		}

		for {
			advanced, err := c.step(ctx, kl, tip)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, store.ErrRangeGap) {
					// Progress moved underneath us without this loop
					// committing it. Scanning past it could skip or
					// double-record notes, so park the key for an
					// operator to look at.
					reason := fmt.Sprintf("commit out of order: %v", err)
					log.Printf("scheduler: key=%s quarantined: %s", kl.keyID, reason)
					if qerr := c.st.SetQuarantined(context.WithoutCancel(ctx), kl.keyID, reason); qerr != nil {
						log.Printf("scheduler: key=%s quarantine flag: %v", kl.keyID, qerr)
					}
					return
				}
				log.Printf("scheduler: key=%s range failed, retrying in %s: %v", kl.keyID, backoff, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > c.cfg.RetryMax {
					backoff = c.cfg.RetryMax
				}
				continue
			}
			backoff = c.cfg.RetryBase
			if !advanced {
				break
			}
			// Pick up a newer tip mid-catchup without blocking.
			select {
			case t := <-kl.tips:
				if t > tip {
					tip = t
				}
			default:
			}
		}
	}
}

// step reconciles the key against the canonical chain and, if the key is
// behind the tip, scans and commits exactly one range. It reports
// whether progress advanced; (false, nil) means caught up, deregistered
// or quarantined.
func (c *Coordinator) step(ctx context.Context, kl *keyLoop, tip int64) (bool, error) {
	rec, ok, err := c.st.GetKey(ctx, kl.keyID)
	if err != nil {
		return false, fmt.Errorf("scheduler: get key: %w", err)
	}
	if !ok || rec.Quarantined {
		return false, nil
	}

	res, err := c.recon.Reconcile(ctx, rec)
	if err != nil {
		return false, err
	}
	if res.Forked {
		rec.ScannedTo = res.ForkHeight
		rec.TipHash = ""
		// The cache may still hold the branch that was just rolled
		// back. A same-length reorg never moves the tip height, so the
		// poll loop will not flush it for us.
		c.fetch.flush()
	}

	start := rec.ScannedTo + 1
	if start > tip {
		return false, nil
	}
	end := start + c.cfg.BatchWidth
	if end > tip+1 {
		end = tip + 1
	}

	blocks := make([]chain.BlockView, 0, end-start)
	for h := start; h < end; h++ {
		blk, err := c.fetch.blockAt(ctx, h)
		if err != nil {
			if errors.Is(err, chain.ErrNotYetAvailable) {
				// The chain shrank since the tip was sampled; the next
				// notification reschedules.
				return false, nil
			}
			return false, fmt.Errorf("scheduler: block at %d: %w", h, err)
		}
		if len(blocks) > 0 && blk.PrevHash != blocks[len(blocks)-1].Hash {
			// A reorg landed mid-fetch. Abandon the range; the next pass
			// reconciles from a consistent view.
			c.fetch.flush()
			return false, nil
		}
		blocks = append(blocks, blk)
	}
	if rec.TipHash != "" && blocks[0].PrevHash != rec.TipHash {
		c.fetch.flush()
		return false, nil
	}

	matches, err := c.eng.Scan(ctx, blocks, []scan.Key{{KeyID: kl.keyID, VK: kl.vk}})
	if err != nil {
		return false, err
	}

	commit := store.RangeCommit{
		KeyID:   kl.keyID,
		Start:   start,
		End:     end,
		Blocks:  make([]store.BlockMark, 0, len(blocks)),
		Results: make([]store.ScanResult, 0, len(matches)),
	}
	for _, blk := range blocks {
		commit.Blocks = append(commit.Blocks, store.BlockMark{Height: blk.Height, Hash: blk.Hash})
	}
	for _, m := range matches {
		commit.Results = append(commit.Results, store.ScanResult{
			KeyID:       m.KeyID,
			Height:      m.Height,
			TxID:        m.TxID,
			TxIndex:     int32(m.TxIndex),
			OutputIndex: int32(m.OutputIndex),
			Pool:        string(m.Pool),
			ValueZat:    int64(m.Note.Value),
			Diversifier: hex.EncodeToString(m.Note.Diversifier[:]),
			MemoHex:     hex.EncodeToString(m.Note.Memo),
		})
	}

	if err := c.st.CommitRange(ctx, commit); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			// Deregistered while scanning.
			return false, nil
		}
		return false, err
	}
	return true, nil
}
