// Package scan runs trial decryption of shielded outputs against
// registered viewing keys. It is a pure compute stage: blocks and keys
// in, matches out, with no knowledge of storage or scheduling.
package scan

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"

	"github.com/veilcash-tools/veil-scan/internal/chain"
	"github.com/veilcash-tools/veil-scan/internal/notecrypto"
)

type Key struct {
	KeyID string
	VK    notecrypto.ViewingKey
}

// Match is one decrypted output. Matches come back unordered; callers
// that need deterministic order sort on (Height, TxIndex, OutputIndex).
type Match struct {
	KeyID       string
	Height      int64
	TxID        string
	TxIndex     int
	OutputIndex uint32
	Pool        chain.Pool
	Note        notecrypto.Note
}

type Engine struct {
	workers int
}

func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{workers: workers}
}

type job struct {
	key    Key
	height int64
	txID   string
	txIdx  int
	out    chain.ShieldedOutput
}

// Scan trial-decrypts every shielded output in blocks against every key.
// A key without material for an output's pool skips that output.
// Malformed outputs are logged and skipped rather than failing the
// batch: one broken output must not stall scanning for the block.
func (e *Engine) Scan(ctx context.Context, blocks []chain.BlockView, keys []Key) ([]Match, error) {
	if len(blocks) == 0 || len(keys) == 0 {
		return nil, nil
	}

	jobs := make(chan job)
	var (
		mu      sync.Mutex
		matches []Match
	)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				c, ok := j.key.VK.Capability(j.out.Pool)
				if !ok {
					continue
				}
				note, err := c.TrialDecrypt(j.out)
				if err != nil {
					if errors.Is(err, notecrypto.ErrMalformedOutput) {
						log.Printf("scan: malformed output tx=%s pool=%s index=%d: %v", j.txID, j.out.Pool, j.out.OutputIndex, err)
						continue
					}
					log.Printf("scan: trial decrypt tx=%s key=%s: %v", j.txID, j.key.KeyID, err)
					continue
				}
				if note == nil {
					continue
				}
				mu.Lock()
				matches = append(matches, Match{
					KeyID:       j.key.KeyID,
					Height:      j.height,
					TxID:        j.txID,
					TxIndex:     j.txIdx,
					OutputIndex: j.out.OutputIndex,
					Pool:        j.out.Pool,
					Note:        *note,
				})
				mu.Unlock()
			}
		}()
	}

	var feedErr error
feed:
	for _, blk := range blocks {
		for txIdx, tx := range blk.Txs {
			for _, out := range tx.Outputs {
				for _, k := range keys {
					select {
					case jobs <- job{key: k, height: blk.Height, txID: tx.TxID, txIdx: txIdx, out: out}:
					case <-ctx.Done():
						feedErr = ctx.Err()
						break feed
					}
				}
			}
		}
	}
	close(jobs)
	wg.Wait()

	if feedErr != nil {
		return nil, feedErr
	}
	return matches, nil
}
