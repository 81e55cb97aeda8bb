package rocksdb

import (
	"bytes"
	"fmt"
	"strconv"
)

var (
	metaPrefix      = []byte("m/")
	keyPrefix       = []byte("k/")
	blockMarkPrefix = []byte("b/")
	resultPrefix    = []byte("r/")
	resultSeqPrefix = []byte("rs/")
	eventPrefix     = []byte("e/")
	cursorPrefix    = []byte("c/")
)

func keyMeta(name string) []byte {
	b := make([]byte, 0, len(metaPrefix)+len(name))
	b = append(b, metaPrefix...)
	b = append(b, name...)
	return b
}

func keyKey(keyID string) []byte {
	b := make([]byte, 0, len(keyPrefix)+len(keyID))
	b = append(b, keyPrefix...)
	b = append(b, keyID...)
	return b
}

func cursorKey(keyID string) []byte {
	b := make([]byte, 0, len(cursorPrefix)+len(keyID))
	b = append(b, cursorPrefix...)
	b = append(b, keyID...)
	return b
}

// keyScopedPrefix is "<prefix><key_id>/", the bound for all of one key's
// rows under that prefix.
func keyScopedPrefix(prefix []byte, keyID string) []byte {
	b := make([]byte, 0, len(prefix)+len(keyID)+1)
	b = append(b, prefix...)
	b = append(b, keyID...)
	b = append(b, '/')
	return b
}

func blockMarkKey(keyID string, height int64) []byte {
	b := keyScopedPrefix(blockMarkPrefix, keyID)
	return appendUint64Fixed20(b, uint64(height))
}

func resultKey(keyID string, height int64, txIndex, outputIndex int32) []byte {
	b := keyScopedPrefix(resultPrefix, keyID)
	b = appendUint64Fixed20(b, uint64(height))
	b = append(b, '/')
	b = appendUint32Fixed10(b, uint32(txIndex))
	b = append(b, '/')
	b = appendUint32Fixed10(b, uint32(outputIndex))
	return b
}

func resultSeqKey(keyID string, seq int64) []byte {
	b := keyScopedPrefix(resultSeqPrefix, keyID)
	return appendUint64Fixed20(b, uint64(seq))
}

func eventKey(keyID string, id int64) []byte {
	b := keyScopedPrefix(eventPrefix, keyID)
	return appendUint64Fixed20(b, uint64(id))
}

// parseResultKey decodes "r/<key_id>/<height>/<tx>/<out>".
func parseResultKey(key []byte, keyID string) (height int64, txIndex, outputIndex int32, err error) {
	prefix := keyScopedPrefix(resultPrefix, keyID)
	if !bytes.HasPrefix(key, prefix) {
		return 0, 0, 0, fmt.Errorf("rocksdb: result key prefix mismatch")
	}
	parts := bytes.Split(bytes.TrimPrefix(key, prefix), []byte("/"))
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("rocksdb: result key malformed")
	}
	height, err = parseFixed20Int64(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("rocksdb: result height: %w", err)
	}
	tx, err := strconv.ParseUint(string(parts[1]), 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("rocksdb: result tx index: %w", err)
	}
	out, err := strconv.ParseUint(string(parts[2]), 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("rocksdb: result output index: %w", err)
	}
	return height, int32(tx), int32(out), nil
}

func appendUint64Fixed20(b []byte, v uint64) []byte {
	return append(b, fmt.Sprintf("%020d", v)...)
}

func appendUint32Fixed10(b []byte, v uint32) []byte {
	return append(b, fmt.Sprintf("%010d", v)...)
}

func parseFixed20Int64(b []byte) (int64, error) {
	if len(b) != 20 {
		return 0, fmt.Errorf("rocksdb: fixed20 length %d", len(b))
	}
	return strconv.ParseInt(string(b), 10, 64)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
