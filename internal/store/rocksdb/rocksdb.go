// Package rocksdb implements the scan store on cockroachdb/pebble.
//
// Keyspace (heights, sequence numbers and event ids are fixed-width
// 20-digit decimal so lexicographic order matches numeric order):
//
//	m/schema_version                    schema marker
//	k/<key_id>                          key record (JSON)
//	b/<key_id>/<height>                 block mark: hash the key saw there
//	r/<key_id>/<height>/<tx>/<out>      scan result (JSON)
//	rs/<key_id>/<seq>                   seq index -> primary result key
//	e/<key_id>/<event_id>               outbox event (JSON)
//	c/<key_id>                          publish cursor (decimal)
package rocksdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/veilcash-tools/veil-scan/internal/events"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

type Store struct {
	db *pebble.DB

	lmu   sync.Mutex
	locks map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("rocksdb: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rocksdb: mkdir: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: open: %w", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// lockKey serializes writers for one key. Pebble batches are safe to
// build concurrently; the lock covers the read-modify-write of the key
// record, so commits for different keys proceed in parallel.
func (s *Store) lockKey(keyID string) func() {
	s.lmu.Lock()
	l, ok := s.locks[keyID]
	if !ok {
		l = new(sync.Mutex)
		s.locks[keyID] = l
	}
	s.lmu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_ = ctx

	s.lmu.Lock()
	defer s.lmu.Unlock()

	verKey := keyMeta("schema_version")
	_, closer, err := s.db.Get(verKey)
	if err == nil {
		_ = closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("rocksdb: schema_version: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(verKey, []byte("1"), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set schema_version: %w", err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: migrate commit: %w", err)
	}
	return nil
}

type keyRecord struct {
	SaplingIVK       string `json:"sapling_ivk,omitempty"`
	OrchardIVK       string `json:"orchard_ivk,omitempty"`
	Birthday         int64  `json:"birthday"`
	ScannedTo        int64  `json:"scanned_to"`
	TipHash          string `json:"tip_hash,omitempty"`
	Quarantined      bool   `json:"quarantined,omitempty"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`
	NextSeq          int64  `json:"next_seq"`
	NextEventID      int64  `json:"next_event_id"`
	CreatedAtUnix    int64  `json:"created_at"`
}

type resultRecord struct {
	TxID          string `json:"txid"`
	Pool          string `json:"pool"`
	ValueZat      int64  `json:"value_zat"`
	Diversifier   string `json:"diversifier,omitempty"`
	MemoHex       string `json:"memo_hex,omitempty"`
	Seq           int64  `json:"seq"`
	CreatedAtUnix int64  `json:"created_at"`
}

type eventRecord struct {
	Kind          string          `json:"kind"`
	Height        int64           `json:"height"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAtUnix int64           `json:"created_at"`
}

func (s *Store) InsertKey(ctx context.Context, k store.KeyRecord) error {
	_ = ctx

	defer s.lockKey(k.KeyID)()

	kk := keyKey(k.KeyID)
	_, closer, err := s.db.Get(kk)
	if err == nil {
		_ = closer.Close()
		return store.ErrDuplicateKey
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("rocksdb: get key: %w", err)
	}

	now := time.Now().UTC()
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	rec := keyRecord{
		SaplingIVK:    k.SaplingIVK,
		OrchardIVK:    k.OrchardIVK,
		Birthday:      k.Birthday,
		ScannedTo:     k.ScannedTo,
		TipHash:       k.TipHash,
		CreatedAtUnix: createdAt.Unix(),
	}

	// A prior registration of the same material may have left results
	// and outbox events behind. Clear the scan data so the fresh scan
	// cannot collide with it, and resume event ids past the survivors.
	lastEvent, err := s.lastEventID(k.KeyID)
	if err != nil {
		return err
	}
	rec.NextEventID = lastEvent

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	for _, p := range [][]byte{
		keyScopedPrefix(resultPrefix, k.KeyID),
		keyScopedPrefix(resultSeqPrefix, k.KeyID),
		keyScopedPrefix(blockMarkPrefix, k.KeyID),
	} {
		if err := batch.DeleteRange(p, prefixUpperBound(p), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: clear residual key data: %w", err)
		}
	}

	payload, err := json.Marshal(events.KeyRegisteredPayload{
		Version:  events.Version,
		KeyID:    k.KeyID,
		Birthday: k.Birthday,
	})
	if err != nil {
		return fmt.Errorf("rocksdb: marshal event: %w", err)
	}
	rec.NextEventID++
	if err := appendEvent(batch, k.KeyID, rec.NextEventID, eventRecord{
		Kind:          events.KindKeyRegistered,
		Height:        k.Birthday,
		Payload:       payload,
		CreatedAtUnix: now.Unix(),
	}); err != nil {
		return err
	}
	if err := setJSON(batch, kk, &rec); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: insert key commit: %w", err)
	}
	return nil
}

func (s *Store) GetKey(ctx context.Context, keyID string) (store.KeyRecord, bool, error) {
	_ = ctx

	rec, ok, err := s.getKeyRecord(keyID)
	if err != nil || !ok {
		return store.KeyRecord{}, ok, err
	}
	return toKeyRecord(keyID, rec), true, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]store.KeyRecord, error) {
	_ = ctx

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: prefixUpperBound(keyPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.KeyRecord
	for iter.First(); iter.Valid(); iter.Next() {
		keyID := string(bytes.TrimPrefix(iter.Key(), keyPrefix))
		var rec keyRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode key: %w", err)
		}
		out = append(out, toKeyRecord(keyID, rec))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list keys: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteKey(ctx context.Context, keyID string, purge bool) error {
	_ = ctx

	defer s.lockKey(keyID)()

	rec, ok, err := s.getKeyRecord(keyID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrKeyNotFound
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := batch.Delete(keyKey(keyID), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: delete key: %w", err)
	}

	if purge {
		// Results outlive the registry entry unless removal is explicit.
		for _, p := range [][]byte{
			keyScopedPrefix(resultPrefix, keyID),
			keyScopedPrefix(resultSeqPrefix, keyID),
			keyScopedPrefix(blockMarkPrefix, keyID),
		} {
			if err := batch.DeleteRange(p, prefixUpperBound(p), pebble.NoSync); err != nil {
				return fmt.Errorf("rocksdb: delete key data: %w", err)
			}
		}
		evp := keyScopedPrefix(eventPrefix, keyID)
		if err := batch.DeleteRange(evp, prefixUpperBound(evp), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: purge events: %w", err)
		}
		if err := batch.Delete(cursorKey(keyID), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: purge cursor: %w", err)
		}
	} else {
		payload, err := json.Marshal(events.KeyDeregisteredPayload{
			Version: events.Version,
			KeyID:   keyID,
			Purged:  false,
		})
		if err != nil {
			return fmt.Errorf("rocksdb: marshal event: %w", err)
		}
		if err := appendEvent(batch, keyID, rec.NextEventID+1, eventRecord{
			Kind:          events.KindKeyDeregistered,
			Height:        rec.ScannedTo,
			Payload:       payload,
			CreatedAtUnix: time.Now().UTC().Unix(),
		}); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: delete key commit: %w", err)
	}
	return nil
}

func (s *Store) SetQuarantined(ctx context.Context, keyID, reason string) error {
	_ = ctx

	defer s.lockKey(keyID)()

	rec, ok, err := s.getKeyRecord(keyID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrKeyNotFound
	}

	rec.Quarantined = true
	rec.QuarantineReason = reason

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	payload, err := json.Marshal(events.KeyQuarantinedPayload{
		Version: events.Version,
		KeyID:   keyID,
		Reason:  reason,
	})
	if err != nil {
		return fmt.Errorf("rocksdb: marshal event: %w", err)
	}
	rec.NextEventID++
	if err := appendEvent(batch, keyID, rec.NextEventID, eventRecord{
		Kind:          events.KindKeyQuarantined,
		Height:        rec.ScannedTo,
		Payload:       payload,
		CreatedAtUnix: time.Now().UTC().Unix(),
	}); err != nil {
		return err
	}
	if err := setJSON(batch, keyKey(keyID), &rec); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: quarantine commit: %w", err)
	}
	return nil
}

func (s *Store) CommitRange(ctx context.Context, c store.RangeCommit) error {
	_ = ctx

	if c.End <= c.Start {
		return fmt.Errorf("rocksdb: invalid range [%d,%d)", c.Start, c.End)
	}
	if len(c.Blocks) != int(c.End-c.Start) {
		return fmt.Errorf("rocksdb: range [%d,%d) carries %d block marks", c.Start, c.End, len(c.Blocks))
	}

	defer s.lockKey(c.KeyID)()

	rec, ok, err := s.getKeyRecord(c.KeyID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrKeyNotFound
	}

	// Replay of an already-committed range succeeds without touching
	// anything, so crash-and-retry never double-counts.
	if c.End-1 <= rec.ScannedTo {
		return nil
	}
	if c.Start != rec.ScannedTo+1 {
		return fmt.Errorf("rocksdb: range [%d,%d) after scanned-to %d: %w", c.Start, c.End, rec.ScannedTo, store.ErrRangeGap)
	}

	results := append([]store.ScanResult(nil), c.Results...)
	sort.Slice(results, func(i, j int) bool {
		if results[i].Height != results[j].Height {
			return results[i].Height < results[j].Height
		}
		if results[i].TxIndex != results[j].TxIndex {
			return results[i].TxIndex < results[j].TxIndex
		}
		return results[i].OutputIndex < results[j].OutputIndex
	})

	now := time.Now().UTC()
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	for _, bm := range c.Blocks {
		if bm.Height < c.Start || bm.Height >= c.End {
			return fmt.Errorf("rocksdb: block mark %d outside [%d,%d)", bm.Height, c.Start, c.End)
		}
		if err := batch.Set(blockMarkKey(c.KeyID, bm.Height), []byte(bm.Hash), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: set block mark: %w", err)
		}
	}

	for _, r := range results {
		if r.Height < c.Start || r.Height >= c.End {
			return fmt.Errorf("rocksdb: result at %d outside [%d,%d)", r.Height, c.Start, c.End)
		}
		rec.NextSeq++
		rr := resultRecord{
			TxID:          r.TxID,
			Pool:          r.Pool,
			ValueZat:      r.ValueZat,
			Diversifier:   r.Diversifier,
			MemoHex:       r.MemoHex,
			Seq:           rec.NextSeq,
			CreatedAtUnix: now.Unix(),
		}
		pk := resultKey(c.KeyID, r.Height, r.TxIndex, r.OutputIndex)
		if err := setJSON(batch, pk, &rr); err != nil {
			return err
		}
		if err := batch.Set(resultSeqKey(c.KeyID, rr.Seq), pk, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: set seq index: %w", err)
		}

		payload, err := json.Marshal(events.NoteDetectedPayload{
			Version:        events.Version,
			KeyID:          c.KeyID,
			TxID:           r.TxID,
			Height:         r.Height,
			TxIndex:        r.TxIndex,
			OutputIndex:    r.OutputIndex,
			Pool:           r.Pool,
			AmountZatoshis: r.ValueZat,
			Diversifier:    r.Diversifier,
			MemoHex:        r.MemoHex,
			Seq:            rr.Seq,
		})
		if err != nil {
			return fmt.Errorf("rocksdb: marshal event: %w", err)
		}
		rec.NextEventID++
		if err := appendEvent(batch, c.KeyID, rec.NextEventID, eventRecord{
			Kind:          events.KindNoteDetected,
			Height:        r.Height,
			Payload:       payload,
			CreatedAtUnix: now.Unix(),
		}); err != nil {
			return err
		}
	}

	rec.ScannedTo = c.End - 1
	rec.TipHash = c.Blocks[len(c.Blocks)-1].Hash
	if err := setJSON(batch, keyKey(c.KeyID), &rec); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: commit range: %w", err)
	}
	return nil
}

func (s *Store) QueryResults(ctx context.Context, keyID string, from, to int64, afterSeq int64, limit int) ([]store.ScanResult, error) {
	_ = ctx

	if from < 0 {
		from = 0
	}
	if to <= from {
		return nil, nil
	}

	if afterSeq > 0 {
		return s.queryBySeq(keyID, from, to, afterSeq, limit)
	}

	lower := resultKey(keyID, from, 0, 0)
	upper := resultKey(keyID, to, 0, 0)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.ScanResult
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := decodeResult(keyID, iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: query results: %w", err)
	}
	return out, nil
}

// queryBySeq walks the seq index. Seq assignment follows (height, tx,
// output) order within each range and ranges commit in ascending height
// order, so index order matches the primary ordering.
func (s *Store) queryBySeq(keyID string, from, to int64, afterSeq int64, limit int) ([]store.ScanResult, error) {
	lower := resultSeqKey(keyID, afterSeq+1)
	prefix := keyScopedPrefix(resultSeqPrefix, keyID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.ScanResult
	for iter.First(); iter.Valid(); iter.Next() {
		pk := append([]byte(nil), iter.Value()...)
		v, closer, err := s.db.Get(pk)
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("rocksdb: get result: %w", err)
		}
		r, derr := decodeResult(keyID, pk, v)
		_ = closer.Close()
		if derr != nil {
			return nil, derr
		}
		if r.Height < from || r.Height >= to {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: query by seq: %w", err)
	}
	return out, nil
}

func (s *Store) HashAtHeight(ctx context.Context, keyID string, height int64) (string, bool, error) {
	_ = ctx
	if height < 0 {
		return "", false, nil
	}
	return s.hashAt(keyID, height)
}

func (s *Store) Truncate(ctx context.Context, keyID string, fromHeight int64) error {
	_ = ctx

	defer s.lockKey(keyID)()

	rec, ok, err := s.getKeyRecord(keyID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrKeyNotFound
	}
	if fromHeight > rec.ScannedTo {
		return nil
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	// Collect the invalidated results: their seqs keep the seq index in
	// step, and each one becomes a NoteOrphaned event below.
	var orphans []store.ScanResult
	{
		lower := resultKey(keyID, fromHeight, 0, 0)
		upper := prefixUpperBound(keyScopedPrefix(resultPrefix, keyID))
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return fmt.Errorf("rocksdb: iter: %w", err)
		}
		for iter.First(); iter.Valid(); iter.Next() {
			r, derr := decodeResult(keyID, iter.Key(), iter.Value())
			if derr != nil {
				_ = iter.Close()
				return derr
			}
			if err := batch.Delete(resultSeqKey(keyID, r.Seq), pebble.NoSync); err != nil {
				_ = iter.Close()
				return fmt.Errorf("rocksdb: delete seq index: %w", err)
			}
			orphans = append(orphans, r)
		}
		if err := iter.Error(); err != nil {
			_ = iter.Close()
			return fmt.Errorf("rocksdb: truncate scan: %w", err)
		}
		_ = iter.Close()

		if err := batch.DeleteRange(lower, upper, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete results: %w", err)
		}
	}

	bmLower := blockMarkKey(keyID, fromHeight)
	bmUpper := prefixUpperBound(keyScopedPrefix(blockMarkPrefix, keyID))
	if err := batch.DeleteRange(bmLower, bmUpper, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: delete block marks: %w", err)
	}

	rec.ScannedTo = fromHeight - 1
	rec.TipHash = ""
	if rec.ScannedTo >= 0 {
		if hash, ok, err := s.hashAt(keyID, rec.ScannedTo); err != nil {
			return err
		} else if ok {
			rec.TipHash = hash
		}
	}

	now := time.Now().UTC().Unix()
	for _, r := range orphans {
		payload, err := json.Marshal(events.NoteOrphanedPayload{
			Version:        events.Version,
			KeyID:          keyID,
			TxID:           r.TxID,
			Height:         r.Height,
			TxIndex:        r.TxIndex,
			OutputIndex:    r.OutputIndex,
			Pool:           r.Pool,
			AmountZatoshis: r.ValueZat,
			Seq:            r.Seq,
		})
		if err != nil {
			return fmt.Errorf("rocksdb: marshal event: %w", err)
		}
		rec.NextEventID++
		if err := appendEvent(batch, keyID, rec.NextEventID, eventRecord{
			Kind:          events.KindNoteOrphaned,
			Height:        r.Height,
			Payload:       payload,
			CreatedAtUnix: now,
		}); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(events.ScanRolledBackPayload{
		Version:        events.Version,
		KeyID:          keyID,
		FromHeight:     fromHeight,
		ResultsDropped: int64(len(orphans)),
	})
	if err != nil {
		return fmt.Errorf("rocksdb: marshal event: %w", err)
	}
	rec.NextEventID++
	if err := appendEvent(batch, keyID, rec.NextEventID, eventRecord{
		Kind:          events.KindScanRolledBack,
		Height:        fromHeight,
		Payload:       payload,
		CreatedAtUnix: now,
	}); err != nil {
		return err
	}
	if err := setJSON(batch, keyKey(keyID), &rec); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: truncate commit: %w", err)
	}
	return nil
}

func (s *Store) ListOutboxKeyIDs(ctx context.Context) ([]string, error) {
	_ = ctx

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix,
		UpperBound: prefixUpperBound(eventPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []string
	var last string
	for iter.First(); iter.Valid(); iter.Next() {
		rest := bytes.TrimPrefix(iter.Key(), eventPrefix)
		idx := bytes.IndexByte(rest, '/')
		if idx < 0 {
			continue
		}
		keyID := string(rest[:idx])
		if keyID == last {
			continue
		}
		out = append(out, keyID)
		last = keyID
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list outbox keys: %w", err)
	}
	return out, nil
}

func (s *Store) ListKeyEvents(ctx context.Context, keyID string, afterID int64, limit int) ([]store.Event, int64, error) {
	_ = ctx
	if limit <= 0 {
		limit = 1000
	}

	lower := eventKey(keyID, afterID+1)
	prefix := keyScopedPrefix(eventPrefix, keyID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, afterID, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	out := make([]store.Event, 0, limit)
	next := afterID
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), prefix))
		if err != nil {
			return nil, afterID, fmt.Errorf("rocksdb: event id: %w", err)
		}
		var rec eventRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, afterID, fmt.Errorf("rocksdb: decode event: %w", err)
		}
		out = append(out, store.Event{
			ID:        id,
			Kind:      rec.Kind,
			KeyID:     keyID,
			Height:    rec.Height,
			Payload:   rec.Payload,
			CreatedAt: time.Unix(rec.CreatedAtUnix, 0).UTC(),
		})
		next = id
		if len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, afterID, fmt.Errorf("rocksdb: list events: %w", err)
	}
	return out, next, nil
}

func (s *Store) KeyEventPublishCursor(ctx context.Context, keyID string) (int64, error) {
	_ = ctx

	v, closer, err := s.db.Get(cursorKey(keyID))
	if err == nil {
		defer closer.Close()
		n, perr := strconv.ParseInt(string(v), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("rocksdb: cursor: %w", perr)
		}
		return n, nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	return 0, fmt.Errorf("rocksdb: get cursor: %w", err)
}

func (s *Store) SetKeyEventPublishCursor(ctx context.Context, keyID string, cursor int64) error {
	_ = ctx

	defer s.lockKey(keyID)()

	if err := s.db.Set(cursorKey(keyID), []byte(strconv.FormatInt(cursor, 10)), pebble.Sync); err != nil {
		return fmt.Errorf("rocksdb: set cursor: %w", err)
	}
	return nil
}

func (s *Store) getKeyRecord(keyID string) (keyRecord, bool, error) {
	v, closer, err := s.db.Get(keyKey(keyID))
	if err == nil {
		var rec keyRecord
		if uerr := json.Unmarshal(v, &rec); uerr != nil {
			_ = closer.Close()
			return keyRecord{}, false, fmt.Errorf("rocksdb: decode key: %w", uerr)
		}
		_ = closer.Close()
		return rec, true, nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return keyRecord{}, false, nil
	}
	return keyRecord{}, false, fmt.Errorf("rocksdb: get key: %w", err)
}

func (s *Store) lastEventID(keyID string) (int64, error) {
	prefix := keyScopedPrefix(eventPrefix, keyID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	id, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), prefix))
	if err != nil {
		return 0, fmt.Errorf("rocksdb: event id: %w", err)
	}
	return id, nil
}

func (s *Store) hashAt(keyID string, height int64) (string, bool, error) {
	v, closer, err := s.db.Get(blockMarkKey(keyID, height))
	if err == nil {
		h := string(v)
		_ = closer.Close()
		return h, true, nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	return "", false, fmt.Errorf("rocksdb: get block mark: %w", err)
}

func toKeyRecord(keyID string, rec keyRecord) store.KeyRecord {
	return store.KeyRecord{
		KeyID:            keyID,
		SaplingIVK:       rec.SaplingIVK,
		OrchardIVK:       rec.OrchardIVK,
		Birthday:         rec.Birthday,
		ScannedTo:        rec.ScannedTo,
		TipHash:          rec.TipHash,
		Quarantined:      rec.Quarantined,
		QuarantineReason: rec.QuarantineReason,
		CreatedAt:        time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
}

func decodeResult(keyID string, key, value []byte) (store.ScanResult, error) {
	height, txIndex, outputIndex, err := parseResultKey(key, keyID)
	if err != nil {
		return store.ScanResult{}, err
	}
	var rr resultRecord
	if err := json.Unmarshal(value, &rr); err != nil {
		return store.ScanResult{}, fmt.Errorf("rocksdb: decode result: %w", err)
	}
	return store.ScanResult{
		KeyID:       keyID,
		Height:      height,
		TxID:        rr.TxID,
		TxIndex:     txIndex,
		OutputIndex: outputIndex,
		Pool:        rr.Pool,
		ValueZat:    rr.ValueZat,
		Diversifier: rr.Diversifier,
		MemoHex:     rr.MemoHex,
		Seq:         rr.Seq,
		CreatedAt:   time.Unix(rr.CreatedAtUnix, 0).UTC(),
	}, nil
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rocksdb: encode: %w", err)
	}
	if err := batch.Set(key, b, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set: %w", err)
	}
	return nil
}

func appendEvent(batch *pebble.Batch, keyID string, id int64, rec eventRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode event: %w", err)
	}
	if err := batch.Set(eventKey(keyID, id), b, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set event: %w", err)
	}
	return nil
}
