// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TestSchema names a throwaway Postgres schema for one test. The schema
// itself is created lazily by the store on Open; Close drops it.
type TestSchema struct {
	Name    string
	BaseURL string
}

// NewTestSchema picks a randomized schema name on the server at baseURL.
// Tests run in parallel against the same server without colliding.
func NewTestSchema(baseURL string) (*TestSchema, error) {
	suffix, err := randHex(8)
	if err != nil {
		return nil, err
	}
	return &TestSchema{
		Name:    "veilscan_test_" + suffix,
		BaseURL: baseURL,
	}, nil
}

func (t *TestSchema) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	conn, err := pgx.Connect(ctx, t.BaseURL)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{t.Name}.Sanitize()+` CASCADE`); err != nil {
		return fmt.Errorf("drop schema %s: %w", t.Name, err)
	}
	return nil
}

func randHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
