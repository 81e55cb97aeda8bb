//go:build integration && mysql

package mysql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/veilcash-tools/veil-scan/internal/events"
	"github.com/veilcash-tools/veil-scan/internal/store"
	"github.com/veilcash-tools/veil-scan/internal/store/mysql"
)

func openTestStore(t *testing.T, ctx context.Context) *mysql.Store {
	t.Helper()

	rootDSN := os.Getenv("VEIL_TEST_MYSQL_ROOT_DSN")
	if strings.TrimSpace(rootDSN) == "" {
		t.Skip("VEIL_TEST_MYSQL_ROOT_DSN not set")
	}

	cfg, err := driver.ParseDSN(rootDSN)
	if err != nil {
		t.Fatalf("parse root dsn: %v", err)
	}
	if cfg.DBName == "" {
		t.Fatalf("root dsn must include a database name (e.g. /mysql)")
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping: %v", err)
	}

	dbName := fmt.Sprintf("veilscan_test_%d", time.Now().UnixNano())
	if _, err := db.ExecContext(ctx, "CREATE DATABASE `"+dbName+"`"); err != nil {
		_ = db.Close()
		t.Fatalf("create database: %v", err)
	}

	cfg2 := *cfg
	cfg2.DBName = dbName
	st, err := mysql.Open(ctx, cfg2.FormatDSN())
	if err != nil {
		_, _ = db.ExecContext(ctx, "DROP DATABASE `"+dbName+"`")
		_ = db.Close()
		t.Fatalf("mysql.Open: %v", err)
	}

	t.Cleanup(func() {
		_ = st.Close()
		_, _ = db.ExecContext(context.Background(), "DROP DATABASE `"+dbName+"`")
		_ = db.Close()
	})

	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func TestMySQLCommitRangeLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st := openTestStore(t, ctx)

	rec := store.KeyRecord{KeyID: "k1", Birthday: 10, ScannedTo: 9}
	if err := st.InsertKey(ctx, rec); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	if err := st.InsertKey(ctx, rec); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("duplicate InsertKey err = %v, want ErrDuplicateKey", err)
	}

	commit := store.RangeCommit{
		KeyID: "k1", Start: 10, End: 12,
		Blocks: []store.BlockMark{{Height: 10, Hash: "h10"}, {Height: 11, Hash: "h11"}},
		Results: []store.ScanResult{
			{KeyID: "k1", Height: 11, TxID: "tx-b", Pool: "orchard", ValueZat: 2},
			{KeyID: "k1", Height: 10, TxID: "tx-a", Pool: "sapling", ValueZat: 1},
		},
	}
	if err := st.CommitRange(ctx, commit); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	got, ok, err := st.GetKey(ctx, "k1")
	if !ok || err != nil {
		t.Fatalf("GetKey: ok=%v err=%v", ok, err)
	}
	if got.ScannedTo != 11 || got.TipHash != "h11" {
		t.Fatalf("progress = %d/%q, want 11/h11", got.ScannedTo, got.TipHash)
	}

	rs, err := st.QueryResults(ctx, "k1", 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 2 || rs[0].TxID != "tx-a" || rs[0].Seq != 1 || rs[1].Seq != 2 {
		t.Fatalf("results = %+v", rs)
	}

	if err := st.CommitRange(ctx, commit); err != nil {
		t.Fatalf("replay CommitRange: %v", err)
	}
	rs, err = st.QueryResults(ctx, "k1", 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("replay duplicated results: %d", len(rs))
	}

	gap := store.RangeCommit{
		KeyID: "k1", Start: 20, End: 21,
		Blocks: []store.BlockMark{{Height: 20, Hash: "h20"}},
	}
	if err := st.CommitRange(ctx, gap); !errors.Is(err, store.ErrRangeGap) {
		t.Fatalf("gap CommitRange err = %v, want ErrRangeGap", err)
	}
}

func TestMySQLTruncateAndRetention(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st := openTestStore(t, ctx)

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 0, ScannedTo: -1}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	blocks := make([]store.BlockMark, 0, 6)
	results := make([]store.ScanResult, 0, 6)
	for h := int64(0); h < 6; h++ {
		blocks = append(blocks, store.BlockMark{Height: h, Hash: fmt.Sprintf("h%d", h)})
		results = append(results, store.ScanResult{KeyID: "k1", Height: h, TxID: fmt.Sprintf("tx%d", h), Pool: "sapling", ValueZat: 1})
	}
	if err := st.CommitRange(ctx, store.RangeCommit{KeyID: "k1", Start: 0, End: 6, Blocks: blocks, Results: results}); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	if err := st.Truncate(ctx, "k1", 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	rec, ok, err := st.GetKey(ctx, "k1")
	if !ok || err != nil {
		t.Fatalf("GetKey: ok=%v err=%v", ok, err)
	}
	if rec.ScannedTo != 2 || rec.TipHash != "h2" {
		t.Fatalf("after truncate: %d/%q, want 2/h2", rec.ScannedTo, rec.TipHash)
	}
	if _, ok, _ := st.HashAtHeight(ctx, "k1", 4); ok {
		t.Fatal("mark above truncate survived")
	}

	// Each dropped result is reported individually before the summary.
	evs, _, err := st.ListKeyEvents(ctx, "k1", 0, 100)
	if err != nil {
		t.Fatalf("ListKeyEvents: %v", err)
	}
	var orphans []events.NoteOrphanedPayload
	lastKind := ""
	for _, ev := range evs {
		lastKind = ev.Kind
		if ev.Kind != events.KindNoteOrphaned {
			continue
		}
		var p events.NoteOrphanedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("unmarshal orphan payload: %v", err)
		}
		orphans = append(orphans, p)
	}
	if len(orphans) != 3 {
		t.Fatalf("got %d orphan events, want 3", len(orphans))
	}
	for i, p := range orphans {
		want := int64(3 + i)
		if p.Height != want || p.TxID != fmt.Sprintf("tx%d", want) {
			t.Fatalf("orphan %d: %+v", i, p)
		}
	}
	if lastKind != events.KindScanRolledBack {
		t.Fatalf("last event kind = %s", lastKind)
	}

	// Plain deregistration keeps results; re-registration clears them.
	if err := st.DeleteKey(ctx, "k1", false); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	rs, err := st.QueryResults(ctx, "k1", 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 3 {
		t.Fatalf("retained results = %d, want 3", len(rs))
	}

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 0, ScannedTo: -1}); err != nil {
		t.Fatalf("re-InsertKey: %v", err)
	}
	rs, err = st.QueryResults(ctx, "k1", 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 0 {
		t.Fatalf("stale results after re-register: %d", len(rs))
	}
}

func TestMySQLOutbox(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st := openTestStore(t, ctx)

	if err := st.InsertKey(ctx, store.KeyRecord{KeyID: "k1", Birthday: 0, ScannedTo: -1}); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	if err := st.CommitRange(ctx, store.RangeCommit{
		KeyID: "k1", Start: 0, End: 1,
		Blocks:  []store.BlockMark{{Height: 0, Hash: "h0"}},
		Results: []store.ScanResult{{KeyID: "k1", Height: 0, TxID: "tx0", Pool: "orchard", ValueZat: 5}},
	}); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	ids, err := st.ListOutboxKeyIDs(ctx)
	if err != nil {
		t.Fatalf("ListOutboxKeyIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "k1" {
		t.Fatalf("outbox key ids = %v", ids)
	}

	evs, next, err := st.ListKeyEvents(ctx, "k1", 0, 100)
	if err != nil {
		t.Fatalf("ListKeyEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want registration plus note", len(evs))
	}
	if err := st.SetKeyEventPublishCursor(ctx, "k1", next); err != nil {
		t.Fatalf("SetKeyEventPublishCursor: %v", err)
	}
	evs, _, err = st.ListKeyEvents(ctx, "k1", next, 100)
	if err != nil {
		t.Fatalf("ListKeyEvents: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("events past cursor = %d, want 0", len(evs))
	}
}
