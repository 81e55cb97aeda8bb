// Package registry is the viewing-key registry: registration,
// deregistration and scan-progress lookups over the durable store. It is
// the single source of truth for where each key's scanning resumes after
// a restart.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/veilcash-tools/veil-scan/internal/notecrypto"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

var (
	ErrDuplicateKey = errors.New("registry: duplicate key")
	ErrKeyNotFound  = errors.New("registry: key not found")
)

type Registry struct {
	st store.Store
}

func New(st store.Store) (*Registry, error) {
	if st == nil {
		return nil, errors.New("registry: store is nil")
	}
	return &Registry{st: st}, nil
}

// Register derives the key id from the material and creates the entry
// with scanned-to seeded to birthday-1, so the first scheduled range
// starts exactly at the birthday.
func (r *Registry) Register(ctx context.Context, vk notecrypto.ViewingKey, birthday int64) (store.KeyRecord, error) {
	if birthday < 0 {
		return store.KeyRecord{}, fmt.Errorf("registry: birthday %d is negative", birthday)
	}

	rec := store.KeyRecord{
		KeyID:      vk.KeyID(),
		SaplingIVK: vk.SaplingHex(),
		OrchardIVK: vk.OrchardHex(),
		Birthday:   birthday,
		ScannedTo:  birthday - 1,
	}
	if err := r.st.InsertKey(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return store.KeyRecord{}, ErrDuplicateKey
		}
		return store.KeyRecord{}, fmt.Errorf("registry: register: %w", err)
	}
	return rec, nil
}

// Deregister removes the entry; with purge it also drops the key's
// results. The caller must have cancelled in-flight scan work for the
// key first, otherwise a racing commit could resurrect progress for a
// re-registered id.
func (r *Registry) Deregister(ctx context.Context, keyID string, purge bool) error {
	if err := r.st.DeleteKey(ctx, keyID, purge); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("registry: deregister: %w", err)
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]store.KeyRecord, error) {
	keys, err := r.st.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return keys, nil
}

func (r *Registry) Get(ctx context.Context, keyID string) (store.KeyRecord, error) {
	rec, ok, err := r.st.GetKey(ctx, keyID)
	if err != nil {
		return store.KeyRecord{}, fmt.Errorf("registry: get: %w", err)
	}
	if !ok {
		return store.KeyRecord{}, ErrKeyNotFound
	}
	return rec, nil
}

// Progress returns the key's scanned-to height.
func (r *Registry) Progress(ctx context.Context, keyID string) (int64, error) {
	rec, err := r.Get(ctx, keyID)
	if err != nil {
		return 0, err
	}
	return rec.ScannedTo, nil
}

// Quarantine marks the key unhealthy and excluded from scheduling.
func (r *Registry) Quarantine(ctx context.Context, keyID, reason string) error {
	if err := r.st.SetQuarantined(ctx, keyID, reason); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("registry: quarantine: %w", err)
	}
	return nil
}

// ViewingKeyOf reconstructs the decryption material from a stored record.
func ViewingKeyOf(rec store.KeyRecord) (notecrypto.ViewingKey, error) {
	vk, err := notecrypto.ParseViewingKey(rec.SaplingIVK, rec.OrchardIVK)
	if err != nil {
		return notecrypto.ViewingKey{}, fmt.Errorf("registry: key %s: %w", rec.KeyID, err)
	}
	return vk, nil
}
