//go:build mysql

package storage

import (
	"context"

	"github.com/veilcash-tools/veil-scan/internal/store"
	"github.com/veilcash-tools/veil-scan/internal/store/mysql"
)

func openMySQL(ctx context.Context, dsn string) (store.Store, error) {
	return mysql.Open(ctx, dsn)
}
