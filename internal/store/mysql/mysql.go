//go:build mysql

// Package mysql implements the scan store on MySQL via database/sql.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/veilcash-tools/veil-scan/internal/events"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mysql: dsn is required")
	}

	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

func (s *Store) InsertKey(ctx context.Context, k store.KeyRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO `+"`keys`"+` (key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash, quarantine_reason)
VALUES (?, ?, ?, ?, ?, ?, '')
`, k.KeyID, k.SaplingIVK, k.OrchardIVK, k.Birthday, k.ScannedTo, k.TipHash)
		if err != nil {
			var myErr *driver.MySQLError
			if errors.As(err, &myErr) && myErr.Number == 1062 {
				return store.ErrDuplicateKey
			}
			return fmt.Errorf("mysql: insert key: %w", err)
		}

		// Clear residuals from a prior registration of the same material
		// so the fresh scan cannot collide with retained rows.
		for _, q := range []string{
			`DELETE FROM results WHERE key_id=?`,
			`DELETE FROM block_marks WHERE key_id=?`,
		} {
			if _, err := tx.ExecContext(ctx, q, k.KeyID); err != nil {
				return fmt.Errorf("mysql: clear residual key data: %w", err)
			}
		}

		payload, err := json.Marshal(events.KeyRegisteredPayload{
			Version:  events.Version,
			KeyID:    k.KeyID,
			Birthday: k.Birthday,
		})
		if err != nil {
			return fmt.Errorf("mysql: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindKeyRegistered, k.KeyID, k.Birthday, payload)
	})
}

func (s *Store) GetKey(ctx context.Context, keyID string) (store.KeyRecord, bool, error) {
	return scanKeyRow(s.db.QueryRowContext(ctx, `
SELECT key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash,
       quarantined, COALESCE(quarantine_reason, ''), created_at
FROM `+"`keys`"+` WHERE key_id=?`, keyID))
}

func (s *Store) ListKeys(ctx context.Context) ([]store.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, sapling_ivk, orchard_ivk, birthday, scanned_to, tip_hash,
       quarantined, COALESCE(quarantine_reason, ''), created_at
FROM `+"`keys`"+` ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("mysql: list keys: %w", err)
	}
	defer rows.Close()

	var out []store.KeyRecord
	for rows.Next() {
		var k store.KeyRecord
		if err := rows.Scan(
			&k.KeyID, &k.SaplingIVK, &k.OrchardIVK, &k.Birthday, &k.ScannedTo, &k.TipHash,
			&k.Quarantined, &k.QuarantineReason, &k.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("mysql: list keys: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list keys: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteKey(ctx context.Context, keyID string, purge bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var scannedTo int64
		err := tx.QueryRowContext(ctx, `SELECT scanned_to FROM `+"`keys`"+` WHERE key_id=? FOR UPDATE`, keyID).Scan(&scannedTo)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("mysql: lock key: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM `+"`keys`"+` WHERE key_id=?`, keyID); err != nil {
			return fmt.Errorf("mysql: delete key: %w", err)
		}

		if purge {
			// Results outlive the registry entry unless removal is explicit.
			for _, q := range []string{
				`DELETE FROM results WHERE key_id=?`,
				`DELETE FROM block_marks WHERE key_id=?`,
			} {
				if _, err := tx.ExecContext(ctx, q, keyID); err != nil {
					return fmt.Errorf("mysql: purge key data: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE key_id=?`, keyID); err != nil {
				return fmt.Errorf("mysql: purge events: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM event_publish_cursors WHERE key_id=?`, keyID); err != nil {
				return fmt.Errorf("mysql: purge cursor: %w", err)
			}
			return nil
		}

		payload, err := json.Marshal(events.KeyDeregisteredPayload{
			Version: events.Version,
			KeyID:   keyID,
			Purged:  false,
		})
		if err != nil {
			return fmt.Errorf("mysql: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindKeyDeregistered, keyID, scannedTo, payload)
	})
}

func (s *Store) SetQuarantined(ctx context.Context, keyID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE `+"`keys`"+` SET quarantined=1, quarantine_reason=? WHERE key_id=?`, reason, keyID)
		if err != nil {
			return fmt.Errorf("mysql: quarantine: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+"`keys`"+` WHERE key_id=?)`, keyID).Scan(&exists); err != nil {
				return fmt.Errorf("mysql: quarantine: %w", err)
			}
			if !exists {
				return store.ErrKeyNotFound
			}
		}

		var scannedTo int64
		if err := tx.QueryRowContext(ctx, `SELECT scanned_to FROM `+"`keys`"+` WHERE key_id=?`, keyID).Scan(&scannedTo); err != nil {
			return fmt.Errorf("mysql: quarantine: %w", err)
		}
		payload, err := json.Marshal(events.KeyQuarantinedPayload{
			Version: events.Version,
			KeyID:   keyID,
			Reason:  reason,
		})
		if err != nil {
			return fmt.Errorf("mysql: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindKeyQuarantined, keyID, scannedTo, payload)
	})
}

func (s *Store) CommitRange(ctx context.Context, c store.RangeCommit) error {
	if c.End <= c.Start {
		return fmt.Errorf("mysql: invalid range [%d,%d)", c.Start, c.End)
	}
	if len(c.Blocks) != int(c.End-c.Start) {
		return fmt.Errorf("mysql: range [%d,%d) carries %d block marks", c.Start, c.End, len(c.Blocks))
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var scannedTo, nextSeq int64
		err := tx.QueryRowContext(ctx, `SELECT scanned_to, next_seq FROM `+"`keys`"+` WHERE key_id=? FOR UPDATE`, c.KeyID).
			Scan(&scannedTo, &nextSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("mysql: lock key: %w", err)
		}

		// Replay of an already-committed range is a successful no-op.
		if c.End-1 <= scannedTo {
			return nil
		}
		if c.Start != scannedTo+1 {
			return fmt.Errorf("mysql: range [%d,%d) after scanned-to %d: %w", c.Start, c.End, scannedTo, store.ErrRangeGap)
		}

		for _, bm := range c.Blocks {
			if bm.Height < c.Start || bm.Height >= c.End {
				return fmt.Errorf("mysql: block mark %d outside [%d,%d)", bm.Height, c.Start, c.End)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO block_marks (key_id, height, hash) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE hash = VALUES(hash)
`, c.KeyID, bm.Height, bm.Hash); err != nil {
				return fmt.Errorf("mysql: insert block mark: %w", err)
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
				return fmt.Errorf("mysql: result at %d outside [%d,%d)", r.Height, c.Start, c.End)
			}
			nextSeq++
			if _, err := tx.ExecContext(ctx, `
INSERT INTO results (key_id, height, tx_index, output_index, txid, pool, value_zat, diversifier, memo_hex, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, c.KeyID, r.Height, r.TxIndex, r.OutputIndex, r.TxID, r.Pool, r.ValueZat, r.Diversifier, r.MemoHex, nextSeq); err != nil {
				return fmt.Errorf("mysql: insert result: %w", err)
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
				return fmt.Errorf("mysql: marshal event: %w", err)
			}
			if err := insertEvent(ctx, tx, events.KindNoteDetected, c.KeyID, r.Height, payload); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE `+"`keys`"+` SET scanned_to=?, tip_hash=?, next_seq=? WHERE key_id=?
`, c.End-1, c.Blocks[len(c.Blocks)-1].Hash, nextSeq, c.KeyID); err != nil {
			return fmt.Errorf("mysql: advance key: %w", err)
		}
		return nil
	})
}

func (s *Store) QueryResults(ctx context.Context, keyID string, from, to int64, afterSeq int64, limit int) ([]store.ScanResult, error) {
	q := `
SELECT key_id, height, tx_index, output_index, txid, pool, value_zat, diversifier, COALESCE(memo_hex, ''), seq, created_at
FROM results
WHERE key_id=? AND height >= ? AND height < ? AND seq > ?
ORDER BY height, tx_index, output_index`
	args := []any{keyID, from, to, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: query results: %w", err)
	}
	defer rows.Close()

	var out []store.ScanResult
	for rows.Next() {
		var r store.ScanResult
		if err := rows.Scan(
			&r.KeyID, &r.Height, &r.TxIndex, &r.OutputIndex, &r.TxID, &r.Pool,
			&r.ValueZat, &r.Diversifier, &r.MemoHex, &r.Seq, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("mysql: query results: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: query results: %w", err)
	}
	return out, nil
}

func (s *Store) HashAtHeight(ctx context.Context, keyID string, height int64) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM block_marks WHERE key_id=? AND height=?`, keyID, height).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mysql: hash at height %d: %w", height, err)
	}
	return hash, true, nil
}

func (s *Store) Truncate(ctx context.Context, keyID string, fromHeight int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var scannedTo int64
		err := tx.QueryRowContext(ctx, `SELECT scanned_to FROM `+"`keys`"+` WHERE key_id=? FOR UPDATE`, keyID).Scan(&scannedTo)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("mysql: lock key: %w", err)
		}
		if fromHeight > scannedTo {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT height, tx_index, output_index, txid, pool, value_zat, seq
			FROM results WHERE key_id=? AND height >= ? ORDER BY seq`,
			keyID, fromHeight)
		if err != nil {
			return fmt.Errorf("mysql: query dropped results: %w", err)
		}
		var orphans []store.ScanResult
		for rows.Next() {
			r := store.ScanResult{KeyID: keyID}
			if err := rows.Scan(&r.Height, &r.TxIndex, &r.OutputIndex, &r.TxID, &r.Pool, &r.ValueZat, &r.Seq); err != nil {
				rows.Close()
				return fmt.Errorf("mysql: query dropped results: %w", err)
			}
			orphans = append(orphans, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("mysql: query dropped results: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE key_id=? AND height >= ?`, keyID, fromHeight); err != nil {
			return fmt.Errorf("mysql: delete results: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM block_marks WHERE key_id=? AND height >= ?`, keyID, fromHeight); err != nil {
			return fmt.Errorf("mysql: delete block marks: %w", err)
		}

		tipHash := ""
		if fromHeight-1 >= 0 {
			err := tx.QueryRowContext(ctx, `SELECT hash FROM block_marks WHERE key_id=? AND height=?`, keyID, fromHeight-1).Scan(&tipHash)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("mysql: tip hash: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE `+"`keys`"+` SET scanned_to=?, tip_hash=? WHERE key_id=?`, fromHeight-1, tipHash, keyID); err != nil {
			return fmt.Errorf("mysql: rewind key: %w", err)
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
				return fmt.Errorf("mysql: marshal event: %w", err)
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
			return fmt.Errorf("mysql: marshal event: %w", err)
		}
		return insertEvent(ctx, tx, events.KindScanRolledBack, keyID, fromHeight, payload)
	})
}

func (s *Store) ListOutboxKeyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key_id FROM events ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("mysql: list outbox keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("mysql: list outbox keys: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list outbox keys: %w", err)
	}
	return out, nil
}

func (s *Store) ListKeyEvents(ctx context.Context, keyID string, afterID int64, limit int) ([]store.Event, int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, key_id, height, payload, created_at
FROM events WHERE key_id=? AND id > ?
ORDER BY id LIMIT ?`, keyID, afterID, limit)
	if err != nil {
		return nil, afterID, fmt.Errorf("mysql: list events: %w", err)
	}
	defer rows.Close()

	out := make([]store.Event, 0, limit)
	next := afterID
	for rows.Next() {
		var e store.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.KeyID, &e.Height, &payload, &e.CreatedAt); err != nil {
			return nil, afterID, fmt.Errorf("mysql: list events: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
		next = e.ID
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, fmt.Errorf("mysql: list events: %w", err)
	}
	return out, next, nil
}

func (s *Store) KeyEventPublishCursor(ctx context.Context, keyID string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor_id FROM event_publish_cursors WHERE key_id=?`, keyID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mysql: cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SetKeyEventPublishCursor(ctx context.Context, keyID string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_publish_cursors (key_id, cursor_id) VALUES (?, ?)
ON DUPLICATE KEY UPDATE cursor_id = VALUES(cursor_id)
`, keyID, cursor)
	if err != nil {
		return fmt.Errorf("mysql: set cursor: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mysql: commit: %w", err)
	}
	return nil
}

func scanKeyRow(row *sql.Row) (store.KeyRecord, bool, error) {
	var k store.KeyRecord
	err := row.Scan(
		&k.KeyID, &k.SaplingIVK, &k.OrchardIVK, &k.Birthday, &k.ScannedTo, &k.TipHash,
		&k.Quarantined, &k.QuarantineReason, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.KeyRecord{}, false, nil
	}
	if err != nil {
		return store.KeyRecord{}, false, fmt.Errorf("mysql: get key: %w", err)
	}
	return k, true, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, kind, keyID string, height int64, payload []byte) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (kind, key_id, height, payload) VALUES (?, ?, ?, ?)
`, kind, keyID, height, payload); err != nil {
		return fmt.Errorf("mysql: insert event: %w", err)
	}
	return nil
}
