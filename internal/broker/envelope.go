package broker

import "encoding/json"

type Envelope struct {
	Version string          `json:"version"`
	Kind    string          `json:"kind"`
	KeyID   string          `json:"key_id"`
	Height  int64           `json:"height"`
	Payload json.RawMessage `json:"payload"`
}
