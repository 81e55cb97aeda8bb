// Package postgres implements the scan store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilcash-tools/veil-scan/internal/db/migrate"
	"github.com/veilcash-tools/veil-scan/internal/events"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string, schema string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	if strings.TrimSpace(schema) == "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: connect: %w", err)
		}
		return &Store{pool: pool}, nil
	}

	adminConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := adminConn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		_ = adminConn.Close(ctx)
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	_ = adminConn.Close(ctx)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse: %w", err)
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return migrate.Apply(ctx, s.pool)
}

func (s *Store) InsertKey(ctx context.Context, k store.KeyRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO keys (key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash)
VALUES ($1, $2, $3, $4, $5, $6)
`, k.KeyID, k.SaplingIVK, k.OrchardIVK, k.Birthday, k.ScannedTo, k.TipHash)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("postgres: insert key: %w", err)
		}

		// Clear residuals from a prior registration of the same material
		// so the fresh scan cannot collide with retained rows.
		for _, q := range []string{
			`DELETE FROM results WHERE key_id=$1`,
			`DELETE FROM block_marks WHERE key_id=$1`,
		} {
			if _, err := tx.Exec(ctx, q, k.KeyID); err != nil {
				return fmt.Errorf("postgres: clear residual key data: %w", err)
			}
		}

		payload, err := json.Marshal(events.KeyRegisteredPayload{
			Version:  events.Version,
			KeyID:    k.KeyID,
			Birthday: k.Birthday,
		})
		if err != nil {
			return fmt.Errorf("postgres: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindKeyRegistered, k.KeyID, k.Birthday, payload)
	})
}

func (s *Store) GetKey(ctx context.Context, keyID string) (store.KeyRecord, bool, error) {
	k, ok, err := getKey(ctx, s.pool, keyID)
	if err != nil || !ok {
		return store.KeyRecord{}, ok, err
	}
	return k, true, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]store.KeyRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash,
       quarantined, quarantine_reason, created_at
FROM keys ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list keys: %w", err)
	}
	defer rows.Close()

	var out []store.KeyRecord
	for rows.Next() {
		var k store.KeyRecord
		if err := rows.Scan(
			&k.KeyID, &k.SaplingIVK, &k.OrchardIVK, &k.Birthday, &k.ScannedTo, &k.TipHash,
			&k.Quarantined, &k.QuarantineReason, &k.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: list keys: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list keys: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteKey(ctx context.Context, keyID string, purge bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		k, ok, err := getKeyTx(ctx, tx, keyID, true)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrKeyNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM keys WHERE key_id=$1`, keyID); err != nil {
			return fmt.Errorf("postgres: delete key: %w", err)
		}

		if purge {
			// Results outlive the registry entry unless removal is explicit.
			for _, q := range []string{
				`DELETE FROM results WHERE key_id=$1`,
				`DELETE FROM block_marks WHERE key_id=$1`,
			} {
				if _, err := tx.Exec(ctx, q, keyID); err != nil {
					return fmt.Errorf("postgres: purge key data: %w", err)
				}
			}
			if _, err := tx.Exec(ctx, `DELETE FROM events WHERE key_id=$1`, keyID); err != nil {
				return fmt.Errorf("postgres: purge events: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM event_publish_cursors WHERE key_id=$1`, keyID); err != nil {
				return fmt.Errorf("postgres: purge cursor: %w", err)
			}
			return nil
		}

		payload, err := json.Marshal(events.KeyDeregisteredPayload{
			Version: events.Version,
			KeyID:   keyID,
			Purged:  false,
		})
		if err != nil {
			return fmt.Errorf("postgres: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindKeyDeregistered, keyID, k.ScannedTo, payload)
	})
}

func (s *Store) SetQuarantined(ctx context.Context, keyID, reason string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `UPDATE keys SET quarantined=TRUE, quarantine_reason=$2 WHERE key_id=$1`, keyID, reason)
		if err != nil {
			return fmt.Errorf("postgres: quarantine: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return store.ErrKeyNotFound
		}

		var scannedTo int64
		if err := tx.QueryRow(ctx, `SELECT scanned_to FROM keys WHERE key_id=$1`, keyID).Scan(&scannedTo); err != nil {
			return fmt.Errorf("postgres: quarantine: %w", err)
		}
		payload, err := json.Marshal(events.KeyQuarantinedPayload{
			Version: events.Version,
			KeyID:   keyID,
			Reason:  reason,
		})
		if err != nil {
			return fmt.Errorf("postgres: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindKeyQuarantined, keyID, scannedTo, payload)
	})
}

func (s *Store) CommitRange(ctx context.Context, c store.RangeCommit) error {
	if c.End <= c.Start {
		return fmt.Errorf("postgres: invalid range [%d,%d)", c.Start, c.End)
	}
	if len(c.Blocks) != int(c.End-c.Start) {
		return fmt.Errorf("postgres: range [%d,%d) carries %d block marks", c.Start, c.End, len(c.Blocks))
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var scannedTo, nextSeq int64
		err := tx.QueryRow(ctx, `SELECT scanned_to, next_seq FROM keys WHERE key_id=$1 FOR UPDATE`, c.KeyID).
			Scan(&scannedTo, &nextSeq)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: lock key: %w", err)
		}

		// Replay of an already-committed range is a successful no-op.
		if c.End-1 <= scannedTo {
			return nil
		}
		if c.Start != scannedTo+1 {
			return fmt.Errorf("postgres: range [%d,%d) after scanned-to %d: %w", c.Start, c.End, scannedTo, store.ErrRangeGap)
		}

		for _, bm := range c.Blocks {
			if bm.Height < c.Start || bm.Height >= c.End {
				return fmt.Errorf("postgres: block mark %d outside [%d,%d)", bm.Height, c.Start, c.End)
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO block_marks (key_id, height, hash) VALUES ($1, $2, $3)
ON CONFLICT (key_id, height) DO UPDATE SET hash = EXCLUDED.hash
`, c.KeyID, bm.Height, bm.Hash); err != nil {
				return fmt.Errorf("postgres: insert block mark: %w", err)
			}
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

		for _, r := range results {
			if r.Height < c.Start || r.Height >= c.End {
				return fmt.Errorf("postgres: result at %d outside [%d,%d)", r.Height, c.Start, c.End)
			}
			nextSeq++
			if _, err := tx.Exec(ctx, `
INSERT INTO results (key_id, height, tx_index, output_index, txid, pool, value_zat, diversifier, memo_hex, seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, c.KeyID, r.Height, r.TxIndex, r.OutputIndex, r.TxID, r.Pool, r.ValueZat, r.Diversifier, r.MemoHex, nextSeq); err != nil {
				return fmt.Errorf("postgres: insert result: %w", err)
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
				Seq:            nextSeq,
			})
			if err != nil {
				return fmt.Errorf("postgres: marshal event: %w", err)
			}
			if err := insertEvent(ctx, tx, events.KindNoteDetected, c.KeyID, r.Height, payload); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
UPDATE keys SET scanned_to=$2, tip_hash=$3, next_seq=$4 WHERE key_id=$1
`, c.KeyID, c.End-1, c.Blocks[len(c.Blocks)-1].Hash, nextSeq); err != nil {
			return fmt.Errorf("postgres: advance key: %w", err)
		}
		return nil
	})
}

func (s *Store) QueryResults(ctx context.Context, keyID string, from, to int64, afterSeq int64, limit int) ([]store.ScanResult, error) {
	q := `
SELECT key_id, height, tx_index, output_index, txid, pool, value_zat, diversifier, memo_hex, seq, created_at
FROM results
WHERE key_id=$1 AND height >= $2 AND height < $3 AND seq > $4
ORDER BY height, tx_index, output_index`
	args := []any{keyID, from, to, afterSeq}
	if limit > 0 {
		q += ` LIMIT $5`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query results: %w", err)
	}
	defer rows.Close()

	var out []store.ScanResult
	for rows.Next() {
		var r store.ScanResult
		if err := rows.Scan(
			&r.KeyID, &r.Height, &r.TxIndex, &r.OutputIndex, &r.TxID, &r.Pool,
			&r.ValueZat, &r.Diversifier, &r.MemoHex, &r.Seq, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: query results: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query results: %w", err)
	}
	return out, nil
}

func (s *Store) HashAtHeight(ctx context.Context, keyID string, height int64) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT hash FROM block_marks WHERE key_id=$1 AND height=$2`, keyID, height).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: hash at height %d: %w", height, err)
	}
	return hash, true, nil
}

func (s *Store) Truncate(ctx context.Context, keyID string, fromHeight int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var scannedTo int64
		err := tx.QueryRow(ctx, `SELECT scanned_to FROM keys WHERE key_id=$1 FOR UPDATE`, keyID).Scan(&scannedTo)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: lock key: %w", err)
		}
		if fromHeight > scannedTo {
			return nil
		}

		rows, err := tx.Query(ctx, `
			DELETE FROM results WHERE key_id=$1 AND height >= $2
			RETURNING height, tx_index, output_index, txid, pool, value_zat, seq`,
			keyID, fromHeight)
		if err != nil {
			return fmt.Errorf("postgres: delete results: %w", err)
		}
		var orphans []store.ScanResult
		for rows.Next() {
			r := store.ScanResult{KeyID: keyID}
			if err := rows.Scan(&r.Height, &r.TxIndex, &r.OutputIndex, &r.TxID, &r.Pool, &r.ValueZat, &r.Seq); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: delete results: %w", err)
			}
			orphans = append(orphans, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("postgres: delete results: %w", err)
		}
		sort.Slice(orphans, func(i, j int) bool { return orphans[i].Seq < orphans[j].Seq })

		if _, err := tx.Exec(ctx, `DELETE FROM block_marks WHERE key_id=$1 AND height >= $2`, keyID, fromHeight); err != nil {
			return fmt.Errorf("postgres: delete block marks: %w", err)
		}

		tipHash := ""
		if fromHeight-1 >= 0 {
			err := tx.QueryRow(ctx, `SELECT hash FROM block_marks WHERE key_id=$1 AND height=$2`, keyID, fromHeight-1).Scan(&tipHash)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("postgres: tip hash: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE keys SET scanned_to=$2, tip_hash=$3 WHERE key_id=$1`, keyID, fromHeight-1, tipHash); err != nil {
			return fmt.Errorf("postgres: rewind key: %w", err)
		}

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
				return fmt.Errorf("postgres: marshal event: %w", err)
			}
			if err := insertEvent(ctx, tx, events.KindNoteOrphaned, keyID, r.Height, payload); err != nil {
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
			return fmt.Errorf("postgres: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindScanRolledBack, keyID, fromHeight, payload)
	})
}

func (s *Store) ListOutboxKeyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT key_id FROM events ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outbox keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: list outbox keys: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list outbox keys: %w", err)
	}
	return out, nil
}

func (s *Store) ListKeyEvents(ctx context.Context, keyID string, afterID int64, limit int) ([]store.Event, int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, kind, key_id, height, payload, created_at
FROM events WHERE key_id=$1 AND id > $2
ORDER BY id LIMIT $3`, keyID, afterID, limit)
	if err != nil {
		return nil, afterID, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	out := make([]store.Event, 0, limit)
	next := afterID
	for rows.Next() {
		var e store.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.KeyID, &e.Height, &e.Payload, &e.CreatedAt); err != nil {
			return nil, afterID, fmt.Errorf("postgres: list events: %w", err)
		}
		out = append(out, e)
		next = e.ID
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, fmt.Errorf("postgres: list events: %w", err)
	}
	return out, next, nil
}

func (s *Store) KeyEventPublishCursor(ctx context.Context, keyID string) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, `SELECT cursor_id FROM event_publish_cursors WHERE key_id=$1`, keyID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SetKeyEventPublishCursor(ctx context.Context, keyID string, cursor int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO event_publish_cursors (key_id, cursor_id) VALUES ($1, $2)
ON CONFLICT (key_id) DO UPDATE SET cursor_id = EXCLUDED.cursor_id
`, keyID, cursor)
	if err != nil {
		return fmt.Errorf("postgres: set cursor: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getKey(ctx context.Context, q rowQuerier, keyID string) (store.KeyRecord, bool, error) {
	var k store.KeyRecord
	err := q.QueryRow(ctx, `
SELECT key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash,
       quarantined, quarantine_reason, created_at
FROM keys WHERE key_id=$1`, keyID).Scan(
		&k.KeyID, &k.SaplingIVK, &k.OrchardIVK, &k.Birthday, &k.ScannedTo, &k.TipHash,
		&k.Quarantined, &k.QuarantineReason, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.KeyRecord{}, false, nil
	}
	if err != nil {
		return store.KeyRecord{}, false, fmt.Errorf("postgres: get key: %w", err)
	}
	return k, true, nil
}

func getKeyTx(ctx context.Context, tx pgx.Tx, keyID string, forUpdate bool) (store.KeyRecord, bool, error) {
	q := `
SELECT key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash,
       quarantined, quarantine_reason, created_at
FROM keys WHERE key_id=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var k store.KeyRecord
	err := tx.QueryRow(ctx, q, keyID).Scan(
		&k.KeyID, &k.SaplingIVK, &k.OrchardIVK, &k.Birthday, &k.ScannedTo, &k.TipHash,
		&k.Quarantined, &k.QuarantineReason, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.KeyRecord{}, false, nil
	}
	if err != nil {
		return store.KeyRecord{}, false, fmt.Errorf("postgres: get key: %w", err)
	}
	return k, true, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, kind, keyID string, height int64, payload []byte) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO events (kind, key_id, height, payload) VALUES ($1, $2, $3, $4)
`, kind, keyID, height, payload); err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}
