package chain

import (
	"context"
	"errors"
)

// ErrNotYetAvailable is returned by BlockAt when the node has not reached
// the requested height. The scheduler treats it as "idle until the next
// tip notification", not as a failure.
var ErrNotYetAvailable = errors.New("chain: block not yet available")

// Pool identifies which shielded pool an output belongs to. An output
// belongs to exactly one pool.
type Pool string

const (
	PoolSapling Pool = "sapling"
	PoolOrchard Pool = "orchard"
)

// ShieldedOutput is one encrypted output as exposed by the node. All byte
// fields are hex encoded, matching the node's verbose block JSON.
type ShieldedOutput struct {
	Pool          Pool
	OutputIndex   uint32
	Commitment    string
	EphemeralKey  string
	EncCiphertext string
}

// TxView is one transaction's shielded outputs within a block.
type TxView struct {
	TxID    string
	Outputs []ShieldedOutput
}

// BlockView is a read-only view of one confirmed block. It is borrowed
// from the node per call and safe to discard after use; a height maps to
// a different BlockView only if a reorg replaced the block.
type BlockView struct {
	Height   int64
	Hash     string
	PrevHash string
	Time     int64
	Txs      []TxView
}

// Source is the read-through adapter over the node's chain state. It
// performs no decryption or persistence and caches nothing beyond what
// the node already provides.
type Source interface {
	// TipHeight returns the node's current best height.
	TipHeight(ctx context.Context) (int64, error)

	// BlockAt returns the canonical block at height, or ErrNotYetAvailable
	// if the chain has not reached it.
	BlockAt(ctx context.Context, height int64) (BlockView, error)
}
