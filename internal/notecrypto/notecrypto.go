// Package notecrypto holds the per-pool note decryption capability used
// by the scan engine. Key agreement and curve arithmetic live in the
// node's crypto stack; what the scanner needs from a viewing key is the
// derived incoming key material that detects and opens note ciphertexts,
// so that is what a ViewingKey carries.
package notecrypto

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/veilcash-tools/veil-scan/internal/chain"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKeyMaterial is returned when key material cannot be decoded
	// into at least one pool's decryption components.
	ErrInvalidKeyMaterial = errors.New("notecrypto: invalid key material")

	// ErrMalformedOutput is returned for outputs whose ciphertext or
	// ephemeral key cannot be decoded at all. Not the same as "not ours".
	ErrMalformedOutput = errors.New("notecrypto: malformed output")
)

const (
	// ivkLen is the incoming viewing key length for both pools.
	ivkLen = 32

	// DiversifierLen matches the protocol's recipient diversifier.
	DiversifierLen = 11

	noteVersion   = 0x02
	minNoteLen    = 1 + 8 + DiversifierLen
	keyIDLen      = 20
	keyIDContext  = "VeilScan_KeyID_v1"
	sharedKeyTagS = "VeilScan_Sapling"
	sharedKeyTagO = "VeilScan_Orchard"
)

// ViewingKey is the registered key material: one optional incoming
// viewing key per shielded pool. At least one pool must be present.
type ViewingKey struct {
	Sapling []byte
	Orchard []byte
}

// ParseViewingKey decodes hex-encoded per-pool key material. Either field
// may be empty, but not both.
func ParseViewingKey(saplingHex, orchardHex string) (ViewingKey, error) {
	var vk ViewingKey
	var err error

	if s := strings.TrimSpace(saplingHex); s != "" {
		vk.Sapling, err = decodeIVK(s)
		if err != nil {
			return ViewingKey{}, err
		}
	}
	if s := strings.TrimSpace(orchardHex); s != "" {
		vk.Orchard, err = decodeIVK(s)
		if err != nil {
			return ViewingKey{}, err
		}
	}
	if vk.Sapling == nil && vk.Orchard == nil {
		return ViewingKey{}, fmt.Errorf("%w: no pool material", ErrInvalidKeyMaterial)
	}
	return vk, nil
}

func decodeIVK(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKeyMaterial)
	}
	if len(b) != ivkLen {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKeyMaterial, ivkLen, len(b))
	}
	return b, nil
}

// KeyID derives the key's identifier from its material. Identical
// material always maps to the same id, so re-registration is detectable.
func (vk ViewingKey) KeyID() string {
	h, err := blake2b.New(keyIDLen, nil)
	if err != nil {
		panic(err) // keyIDLen is a valid digest size
	}
	h.Write([]byte(keyIDContext))
	if vk.Sapling != nil {
		h.Write([]byte{byte(len("sapling"))})
		h.Write([]byte("sapling"))
		h.Write(vk.Sapling)
	}
	if vk.Orchard != nil {
		h.Write([]byte{byte(len("orchard"))})
		h.Write([]byte("orchard"))
		h.Write(vk.Orchard)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SaplingHex and OrchardHex round-trip the material for persistence.
func (vk ViewingKey) SaplingHex() string { return hex.EncodeToString(vk.Sapling) }
func (vk ViewingKey) OrchardHex() string { return hex.EncodeToString(vk.Orchard) }

// Capability returns the trial-decryption capability for one pool, or
// false if the key holds no material for that pool.
func (vk ViewingKey) Capability(pool chain.Pool) (Capability, bool) {
	switch pool {
	case chain.PoolSapling:
		if vk.Sapling == nil {
			return Capability{}, false
		}
		return Capability{pool: pool, ivk: vk.Sapling}, true
	case chain.PoolOrchard:
		if vk.Orchard == nil {
			return Capability{}, false
		}
		return Capability{pool: pool, ivk: vk.Orchard}, true
	default:
		return Capability{}, false
	}
}

// Pools lists the pools this key can scan.
func (vk ViewingKey) Pools() []chain.Pool {
	var out []chain.Pool
	if vk.Sapling != nil {
		out = append(out, chain.PoolSapling)
	}
	if vk.Orchard != nil {
		out = append(out, chain.PoolOrchard)
	}
	return out
}

// Note is a successfully decrypted note payload.
type Note struct {
	Value       uint64
	Diversifier [DiversifierLen]byte
	Memo        []byte
}

// DiversifierHex renders the recipient diversifier for persistence.
func (n Note) DiversifierHex() string {
	return hex.EncodeToString(n.Diversifier[:])
}

// Capability is one pool's decryption component of a viewing key.
type Capability struct {
	pool chain.Pool
	ivk  []byte
}

// TrialDecrypt attempts to open one shielded output. It is a pure
// function: (output, key) -> note or nothing. A failed authentication
// means the output is not addressed to this key and returns (nil, nil).
// ErrMalformedOutput is returned only for undecodable output material.
func (c Capability) TrialDecrypt(out chain.ShieldedOutput) (*Note, error) {
	if out.Pool != c.pool {
		return nil, nil
	}

	epk, err := hex.DecodeString(out.EphemeralKey)
	if err != nil || len(epk) != ivkLen {
		return nil, fmt.Errorf("%w: ephemeral key", ErrMalformedOutput)
	}
	ct, err := hex.DecodeString(out.EncCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrMalformedOutput)
	}
	if len(ct) < minNoteLen+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedOutput)
	}

	aead, err := chacha20poly1305.New(sharedKey(c.pool, c.ivk, epk))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ct, nil)
	if err != nil {
		// Authentication failure: not our note.
		return nil, nil
	}
	if len(pt) < minNoteLen || pt[0] != noteVersion {
		return nil, nil
	}

	n := &Note{
		Value: binary.LittleEndian.Uint64(pt[1:9]),
	}
	copy(n.Diversifier[:], pt[9:9+DiversifierLen])
	if memo := pt[minNoteLen:]; len(memo) > 0 {
		n.Memo = append([]byte(nil), memo...)
	}
	return n, nil
}

// Seal encrypts a note payload to this capability's key using the given
// ephemeral key bytes. The node's wallet does this with the full key
// agreement; the scanner only needs it to build fixtures and regtest
// blocks, which is why it lives next to TrialDecrypt.
func (c Capability) Seal(epk []byte, n Note) (string, error) {
	if len(epk) != ivkLen {
		return "", fmt.Errorf("notecrypto: ephemeral key must be %d bytes", ivkLen)
	}
	pt := make([]byte, minNoteLen, minNoteLen+len(n.Memo))
	pt[0] = noteVersion
	binary.LittleEndian.PutUint64(pt[1:9], n.Value)
	copy(pt[9:9+DiversifierLen], n.Diversifier[:])
	pt = append(pt, n.Memo...)

	aead, err := chacha20poly1305.New(sharedKey(c.pool, c.ivk, epk))
	if err != nil {
		return "", err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return hex.EncodeToString(aead.Seal(nil, nonce[:], pt, nil)), nil
}

// sharedKey derives the per-output AEAD key. Fresh ephemeral key per
// output keeps the zero nonce safe.
func sharedKey(pool chain.Pool, ivk, epk []byte) []byte {
	tag := sharedKeyTagS
	if pool == chain.PoolOrchard {
		tag = sharedKeyTagO
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(tag))
	h.Write(ivk)
	h.Write(epk)
	return h.Sum(nil)
}
