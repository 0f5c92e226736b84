// Package fingerprint derives stable identities for lawbooks and for the
// logical intent behind an action (its idempotency key).
//
// Every hash is a BLAKE3 keyed hash over a canonical CBOR encoding. Each
// use has its own 32-byte domain key so that identical bytes hashed for
// different purposes never collide.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const prefix = "blake3:"

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

func (h Hash) String() string {
	return prefix + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the "blake3:<hex>" form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return h, fmt.Errorf("hash %q: missing %q prefix", s, prefix)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

type domainKey [32]byte

// ASCII domain names zero-padded to 32 bytes. Changing one invalidates every
// stored hash of that domain.
var (
	lawbookDomainKey = domainKey{
		'l', 'a', 'w', 'l', 'i', 'n', 'e', '.', 'l', 'a', 'w', 'b', 'o', 'o', 'k', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	idempotencyDomainKey = domainKey{
		'l', 'a', 'w', 'l', 'i', 'n', 'e', '.', 'i', 'd', 'e', 'm', 'p', 'o', 't', 'e',
		'n', 'c', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fingerprint: CBOR encoder initialization failed: " + err.Error())
	}
}

// Canonical returns the deterministic CBOR encoding of v. Map keys are
// sorted, so equal values always encode to equal bytes.
func Canonical(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Lawbook hashes the canonical encoding of a normalized lawbook.
func Lawbook(v any) (Hash, error) {
	data, err := Canonical(v)
	if err != nil {
		return Hash{}, fmt.Errorf("encode lawbook: %w", err)
	}
	return keyedHash(lawbookDomainKey, data), nil
}

var ErrEmptyTemplate = errors.New("idempotency key template is empty")

// MissingFieldError names a template field absent from the request context.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing context field %q", e.Field)
}

// Key is the idempotency identity of an action request.
type Key struct {
	// Text is human readable: action_type?field=value&... with fields sorted.
	Text string
	Hash Hash
}

type keyMaterial struct {
	ActionType string     `cbor:"1,keyasint"`
	Fields     [][]string `cbor:"2,keyasint"`
}

// IdempotencyKey builds the key for actionType from the template fields
// looked up in ctx. Field order and duplicates in the template do not
// matter. A field that is absent or empty in ctx is an error.
func IdempotencyKey(actionType string, fields []string, ctx map[string]string) (Key, error) {
	names := normalizeFields(fields)
	if len(names) == 0 {
		return Key{}, ErrEmptyTemplate
	}
	values := url.Values{}
	material := keyMaterial{ActionType: actionType, Fields: make([][]string, 0, len(names))}
	for _, name := range names {
		v, ok := ctx[name]
		if !ok || v == "" {
			return Key{}, &MissingFieldError{Field: name}
		}
		values.Set(name, v)
		material.Fields = append(material.Fields, []string{name, v})
	}
	data, err := Canonical(material)
	if err != nil {
		return Key{}, fmt.Errorf("encode idempotency key: %w", err)
	}
	return Key{
		Text: actionType + "?" + values.Encode(),
		Hash: keyedHash(idempotencyDomainKey, data),
	}, nil
}

func normalizeFields(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}
