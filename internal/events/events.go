// Package events defines the outbox event kinds and payloads emitted by
// the scanner. Rows are written inside the same transaction as the data
// they describe and published asynchronously by the publisher.
package events

const (
	KindNoteDetected    = "NoteDetected"
	KindNoteOrphaned    = "NoteOrphaned"
	KindScanRolledBack  = "ScanRolledBack"
	KindKeyRegistered   = "KeyRegistered"
	KindKeyDeregistered = "KeyDeregistered"
	KindKeyQuarantined  = "KeyQuarantined"
)

const Version = "v1"

type NoteDetectedPayload struct {
	Version     string `json:"version"`
	KeyID       string `json:"key_id"`
	TxID        string `json:"txid"`
	Height      int64  `json:"height"`
	TxIndex     int32  `json:"tx_index"`
	OutputIndex int32  `json:"output_index"`
	Pool        string `json:"pool"`

	AmountZatoshis int64  `json:"amount_zatoshis"`
	Diversifier    string `json:"diversifier,omitempty"`
	MemoHex        string `json:"memo_hex,omitempty"`
	Seq            int64  `json:"seq"`
}

// NoteOrphanedPayload identifies one previously reported note whose
// result was discarded by a rollback. Emitted once per dropped result,
// ahead of the ScanRolledBack summary.
type NoteOrphanedPayload struct {
	Version     string `json:"version"`
	KeyID       string `json:"key_id"`
	TxID        string `json:"txid"`
	Height      int64  `json:"height"`
	TxIndex     int32  `json:"tx_index"`
	OutputIndex int32  `json:"output_index"`
	Pool        string `json:"pool"`

	AmountZatoshis int64 `json:"amount_zatoshis"`
	Seq            int64 `json:"seq"`
}

type ScanRolledBackPayload struct {
	Version string `json:"version"`
	KeyID   string `json:"key_id"`

	// FromHeight is the first invalidated height; everything at or above
	// it was discarded and scanned-to rewound to FromHeight-1.
	FromHeight     int64 `json:"from_height"`
	ResultsDropped int64 `json:"results_dropped"`
}

type KeyRegisteredPayload struct {
	Version  string `json:"version"`
	KeyID    string `json:"key_id"`
	Birthday int64  `json:"birthday"`
}

type KeyDeregisteredPayload struct {
	Version string `json:"version"`
	KeyID   string `json:"key_id"`
	Purged  bool   `json:"purged"`
}

type KeyQuarantinedPayload struct {
	Version string `json:"version"`
	KeyID   string `json:"key_id"`
	Reason  string `json:"reason"`
}
