package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veilcash-tools/veil-scan/internal/registry"
	"github.com/veilcash-tools/veil-scan/internal/store"
	"github.com/veilcash-tools/veil-scan/internal/store/rocksdb"
)

type fixture struct {
	st  *rocksdb.Store
	reg *registry.Registry
	srv *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	reg, err := registry.New(st)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	apiServer, err := New(reg, st, opts...)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)

	return &fixture{st: st, reg: reg, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func testIVKHex(fill string) string { return strings.Repeat(fill, 64) }

func registerKey(t *testing.T, f *fixture, fill string, birthday int64) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/v1/keys", map[string]any{
		"sapling_ivk": testIVKHex(fill),
		"birthday":    birthday,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d body=%q", resp.StatusCode, body)
	}
	var out struct {
		KeyID     string `json:"key_id"`
		ScannedTo int64  `json:"scanned_to"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ScannedTo != birthday-1 {
		t.Fatalf("scanned_to = %d, want %d", out.ScannedTo, birthday-1)
	}
	return out.KeyID
}

func TestRegisterListDeregister(t *testing.T) {
	f := newFixture(t)

	keyID := registerKey(t, f, "a", 100)

	resp, body := f.do(t, http.MethodGet, "/v1/keys", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status=%d", resp.StatusCode)
	}
	var list struct {
		Keys []struct {
			KeyID    string `json:"key_id"`
			Birthday int64  `json:"birthday"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Keys) != 1 || list.Keys[0].KeyID != keyID || list.Keys[0].Birthday != 100 {
		t.Fatalf("list: %+v", list)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/keys/"+keyID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/keys/"+keyID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/keys/"+keyID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/v1/keys/"+keyID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double delete status=%d", resp.StatusCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no material", map[string]any{"birthday": 1}, http.StatusBadRequest},
		{"bad hex", map[string]any{"sapling_ivk": "zz", "birthday": 1}, http.StatusBadRequest},
		{"negative birthday", map[string]any{"sapling_ivk": testIVKHex("a"), "birthday": -5}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/keys", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status=%d body=%q", resp.StatusCode, body)
			}
		})
	}
}

func TestRegisterDuplicateConflict(t *testing.T) {
	f := newFixture(t)

	registerKey(t, f, "a", 10)
	resp, _ := f.do(t, http.MethodPost, "/v1/keys", map[string]any{
		"sapling_ivk": testIVKHex("a"),
		"birthday":    10,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d, want 409", resp.StatusCode)
	}
}

func TestDeregisterPurgeFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keyID := registerKey(t, f, "a", 0)
	if err := f.st.CommitRange(ctx, store.RangeCommit{
		KeyID: keyID, Start: 0, End: 1,
		Blocks:  []store.BlockMark{{Height: 0, Hash: "h0"}},
		Results: []store.ScanResult{{KeyID: keyID, Height: 0, TxID: "tx", Pool: "sapling", ValueZat: 1}},
	}); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	resp, _ := f.do(t, http.MethodDelete, "/v1/keys/"+keyID+"?purge=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}

	rs, err := f.st.QueryResults(ctx, keyID, 0, 100, 0, 0)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if len(rs) != 0 {
		t.Fatalf("results survived purge: %d", len(rs))
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/keys/"+keyID+"?purge=maybe", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad purge value status=%d", resp.StatusCode)
	}
}

func TestGetResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keyID := registerKey(t, f, "a", 0)

	var results []store.ScanResult
	blocks := make([]store.BlockMark, 0, 4)
	for h := int64(0); h < 4; h++ {
		blocks = append(blocks, store.BlockMark{Height: h, Hash: fmt.Sprintf("h%d", h)})
		results = append(results, store.ScanResult{
			KeyID: keyID, Height: h, TxID: fmt.Sprintf("tx%d", h), Pool: "sapling", ValueZat: h * 10,
		})
	}
	if err := f.st.CommitRange(ctx, store.RangeCommit{
		KeyID: keyID, Start: 0, End: 4, Blocks: blocks, Results: results,
	}); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/keys/"+keyID+"/results", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("results status=%d body=%q", resp.StatusCode, body)
	}
	var out struct {
		Results []struct {
			TxID   string `json:"txid"`
			Height int64  `json:"height"`
			Seq    int64  `json:"seq"`
		} `json:"results"`
		ScannedTo int64 `json:"scanned_to"`
		NextSeq   int64 `json:"next_seq"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Results) != 4 || out.ScannedTo != 3 {
		t.Fatalf("out: %+v", out)
	}
	for i := 1; i < len(out.Results); i++ {
		if out.Results[i].Height < out.Results[i-1].Height {
			t.Fatalf("results out of order: %+v", out.Results)
		}
	}

	// Height window.
	resp, body = f.do(t, http.MethodGet, "/v1/keys/"+keyID+"/results?from=1&to=3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("windowed status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Results) != 2 || out.Results[0].Height != 1 || out.Results[1].Height != 2 {
		t.Fatalf("windowed: %+v", out.Results)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/keys/"+strings.Repeat("0", 40)+"/results", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown key status=%d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/keys/not-a-key-id/results", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed key id status=%d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	registerKey(t, f, "a", 0)

	resp, body := f.do(t, http.MethodGet, "/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
		Keys   int    `json:"keys"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "ok" || out.Keys != 1 {
		t.Fatalf("health: %+v", out)
	}
}
