// Package api is the control-plane HTTP surface: key registration and
// removal, progress, result queries and health.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilcash-tools/veil-scan/internal/notecrypto"
	"github.com/veilcash-tools/veil-scan/internal/registry"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

// Scheduler is the slice of the coordinator the API needs: start
// scanning a freshly registered key, and cancel in-flight work before a
// key is removed.
type Scheduler interface {
	StartKey(rec store.KeyRecord) error
	CancelKey(keyID string)
}

type Server struct {
	reg   *registry.Registry
	st    store.Store
	sched Scheduler
	token string
}

type Option func(*Server)

// WithScheduler wires key lifecycle changes into the running
// coordinator. Without it registration is persisted but scanning starts
// only on restart.
func WithScheduler(sched Scheduler) Option {
	return func(s *Server) {
		s.sched = sched
	}
}

// WithBearerToken requires Authorization: Bearer <token> on every route.
func WithBearerToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

func New(reg *registry.Registry, st store.Store, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, errors.New("api: registry is nil")
	}
	if st == nil {
		return nil, errors.New("api: store is nil")
	}
	s := &Server{reg: reg, st: st}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/keys", s.handleKeys)
	mux.HandleFunc("/v1/keys/", s.handleKeySubroutes)
	if s.token == "" {
		return mux
	}
	return s.requireBearer(mux)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	keys, err := s.reg.List(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	quarantined := 0
	for _, k := range keys {
		if k.Quarantined {
			quarantined++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"keys":             len(keys),
		"keys_quarantined": quarantined,
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListKeys(w, r)
	case http.MethodPost:
		s.handleRegisterKey(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleKeySubroutes(w http.ResponseWriter, r *http.Request) {
	// /v1/keys/{key_id} and /v1/keys/{key_id}/{results,events}
	path := strings.TrimPrefix(r.URL.Path, "/v1/keys/")
	parts := strings.Split(path, "/")
	keyID := parts[0]
	if !isKeyID(keyID) {
		http.Error(w, "invalid key_id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetKey(w, r, keyID)
		case http.MethodDelete:
			s.handleDeregisterKey(w, r, keyID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "results":
		s.handleListResults(w, r, keyID)
	case "events":
		s.handleListKeyEvents(w, r, keyID)
	default:
		http.NotFound(w, r)
	}
}

type registerRequest struct {
	SaplingIVK string `json:"sapling_ivk"`
	OrchardIVK string `json:"orchard_ivk"`
	Birthday   int64  `json:"birthday"`
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	vk, err := notecrypto.ParseViewingKey(strings.TrimSpace(req.SaplingIVK), strings.TrimSpace(req.OrchardIVK))
	if err != nil {
		http.Error(w, "invalid key material", http.StatusBadRequest)
		return
	}
	if req.Birthday < 0 {
		http.Error(w, "birthday must be >= 0", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := s.reg.Register(ctx, vk, req.Birthday)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateKey) {
			http.Error(w, "key already registered", http.StatusConflict)
			return
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	if s.sched != nil {
		if err := s.sched.StartKey(rec); err != nil {
			// Registered but idle until restart.
			log.Printf("api: key=%s not scheduled: %v", rec.KeyID, err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":     rec.KeyID,
		"birthday":   rec.Birthday,
		"scanned_to": rec.ScannedTo,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	recs, err := s.reg.List(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	keys := make([]keyView, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, toKeyView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request, keyID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := s.reg.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, registry.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toKeyView(rec))
}

func (s *Server) handleDeregisterKey(w http.ResponseWriter, r *http.Request, keyID string) {
	purge := false
	switch v := strings.TrimSpace(r.URL.Query().Get("purge")); v {
	case "", "0", "false":
	case "1", "true":
		purge = true
	default:
		http.Error(w, "invalid purge", http.StatusBadRequest)
		return
	}

	// Stop in-flight scanning before the registry row disappears.
	if s.sched != nil {
		s.sched.CancelKey(keyID)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.reg.Deregister(ctx, keyID, purge); err != nil {
		if errors.Is(err, registry.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"key_id": keyID,
		"purged": purge,
	})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request, keyID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	from := parseInt64Query(r, "from", 0)
	to := parseInt64Query(r, "to", 0)
	afterSeq := parseInt64Query(r, "after_seq", 0)
	limit := parseInt64Query(r, "limit", 100)
	if from < 0 || to < 0 || afterSeq < 0 {
		http.Error(w, "from, to and after_seq must be >= 0", http.StatusBadRequest)
		return
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rec, err := s.reg.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, registry.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if to == 0 {
		to = rec.ScannedTo + 1
	}

	rs, err := s.st.QueryResults(ctx, keyID, from, to, afterSeq, int(limit))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	type result struct {
		TxID        string    `json:"txid"`
		Height      int64     `json:"height"`
		TxIndex     int32     `json:"tx_index"`
		OutputIndex int32     `json:"output_index"`
		Pool        string    `json:"pool"`
		ValueZat    int64     `json:"value_zat"`
		Diversifier string    `json:"diversifier,omitempty"`
		MemoHex     string    `json:"memo_hex,omitempty"`
		Seq         int64     `json:"seq"`
		CreatedAt   time.Time `json:"created_at"`
	}

	results := make([]result, 0, len(rs))
	nextSeq := afterSeq
	for _, res := range rs {
		results = append(results, result{
			TxID:        res.TxID,
			Height:      res.Height,
			TxIndex:     res.TxIndex,
			OutputIndex: res.OutputIndex,
			Pool:        res.Pool,
			ValueZat:    res.ValueZat,
			Diversifier: res.Diversifier,
			MemoHex:     res.MemoHex,
			Seq:         res.Seq,
			CreatedAt:   res.CreatedAt,
		})
		nextSeq = res.Seq
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results":    results,
		"scanned_to": rec.ScannedTo,
		"next_seq":   nextSeq,
	})
}

func (s *Server) handleListKeyEvents(w http.ResponseWriter, r *http.Request, keyID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cursor := parseInt64Query(r, "cursor", 0)
	limit := parseInt64Query(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	type event struct {
		ID        int64           `json:"id"`
		Kind      string          `json:"kind"`
		Height    int64           `json:"height"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}

	evs, nextCursor, err := s.st.ListKeyEvents(ctx, keyID, cursor, int(limit))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	events := make([]event, 0, len(evs))
	for _, e := range evs {
		events = append(events, event{
			ID:        e.ID,
			Kind:      e.Kind,
			Height:    e.Height,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": nextCursor,
	})
}

type keyView struct {
	KeyID            string    `json:"key_id"`
	Birthday         int64     `json:"birthday"`
	ScannedTo        int64     `json:"scanned_to"`
	TipHash          string    `json:"tip_hash,omitempty"`
	Quarantined      bool      `json:"quarantined,omitempty"`
	QuarantineReason string    `json:"quarantine_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func toKeyView(rec store.KeyRecord) keyView {
	return keyView{
		KeyID:            rec.KeyID,
		Birthday:         rec.Birthday,
		ScannedTo:        rec.ScannedTo,
		TipHash:          rec.TipHash,
		Quarantined:      rec.Quarantined,
		QuarantineReason: rec.QuarantineReason,
		CreatedAt:        rec.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// isKeyID matches the 40 hex character ids the registry derives.
func isKeyID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if c >= '0' && c <= '9' {
			continue
		}
		if c >= 'a' && c <= 'f' {
			continue
		}
		return false
	}
	return true
}
