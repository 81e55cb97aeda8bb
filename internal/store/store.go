package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned by InsertKey when the key id already exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrKeyNotFound is returned when an operation references an unknown key id.
	ErrKeyNotFound = errors.New("store: key not found")

	// ErrRangeGap is returned by CommitRange when the range would leave a
	// hole, i.e. Start is not scanned-to + 1.
	ErrRangeGap = errors.New("store: range does not extend scanned-to")
)

// Store is the durable index behind the scanner. Key records are owned by
// the registry, scan results by the result store; both live here so that
// CommitRange can move them together in one transaction.
//
// Concurrency: callers must not run two CommitRange/Truncate calls for
// the same key id concurrently (the scheduler keeps at most one range in
// flight per key). Different keys may commit concurrently.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	// Key registry.
	InsertKey(ctx context.Context, k KeyRecord) error
	GetKey(ctx context.Context, keyID string) (KeyRecord, bool, error)
	ListKeys(ctx context.Context) ([]KeyRecord, error)
	// DeleteKey removes the registry entry; with purge it also deletes the
	// key's results, block marks and outbox rows.
	DeleteKey(ctx context.Context, keyID string, purge bool) error
	SetQuarantined(ctx context.Context, keyID, reason string) error

	// CommitRange atomically appends the range's results, records the
	// per-key block hashes for every height in [Start, End), advances the
	// key's scanned-to height to End-1 and enqueues outbox events, or does
	// none of it. Re-committing a range the key has already passed is a
	// no-op, so a crash-and-retry never double-counts.
	CommitRange(ctx context.Context, c RangeCommit) error

	// QueryResults returns the key's results with Height in [from, to),
	// ordered by (height, tx_index, output_index). afterSeq > 0 resumes
	// after that sequence number; limit <= 0 means no limit.
	QueryResults(ctx context.Context, keyID string, from, to int64, afterSeq int64, limit int) ([]ScanResult, error)

	// HashAtHeight returns the block hash this key recorded when it
	// scanned the given height.
	HashAtHeight(ctx context.Context, keyID string, height int64) (string, bool, error)

	// Truncate deletes the key's results and block marks at or above
	// fromHeight, rewinds scanned-to to fromHeight-1 and enqueues a
	// rollback event. Used only by reorg reconciliation.
	Truncate(ctx context.Context, keyID string, fromHeight int64) error

	// Outbox, consumed by the publisher. Outbox rows can outlive their
	// registry entry (deregistration emits a final event), so the
	// publisher iterates ListOutboxKeyIDs rather than ListKeys.
	ListOutboxKeyIDs(ctx context.Context) ([]string, error)
	ListKeyEvents(ctx context.Context, keyID string, afterID int64, limit int) (events []Event, nextCursor int64, err error)
	KeyEventPublishCursor(ctx context.Context, keyID string) (int64, error)
	SetKeyEventPublishCursor(ctx context.Context, keyID string, cursor int64) error
}

// KeyRecord is one registered viewing key and its scan progress.
// ScannedTo starts at Birthday-1 and only moves forward outside of
// Truncate. TipHash is the hash recorded at ScannedTo, empty until the
// first commit.
type KeyRecord struct {
	KeyID      string
	SaplingIVK string
	OrchardIVK string
	Birthday   int64
	ScannedTo  int64
	TipHash    string

	Quarantined      bool
	QuarantineReason string

	CreatedAt time.Time
}

// BlockMark records the hash a key observed at a height it scanned.
type BlockMark struct {
	Height int64
	Hash   string
}

// RangeCommit is one completed scan pass for one key over [Start, End).
type RangeCommit struct {
	KeyID string
	Start int64
	End   int64

	// Blocks holds one mark per height in [Start, End), ascending.
	Blocks []BlockMark

	// Results is the engine's unordered match set; the store sequences it.
	Results []ScanResult
}

// ScanResult is one decrypted output. Seq is assigned by the store,
// monotonically increasing per key, and survives as a stable pagination
// cursor. Results are immutable once written; only Truncate deletes them.
type ScanResult struct {
	KeyID       string
	Height      int64
	TxID        string
	TxIndex     int32
	OutputIndex int32
	Pool        string

	ValueZat    int64
	Diversifier string
	MemoHex     string

	Seq       int64
	CreatedAt time.Time
}

// Event is one outbox row, published at least once by the publisher.
type Event struct {
	ID        int64
	Kind      string
	KeyID     string
	Height    int64
	Payload   json.RawMessage
	CreatedAt time.Time
}
