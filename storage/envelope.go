package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Envelope schemes storage knows by name. Wrap and member schemes are
// stored verbatim from the crypto layer.
const (
	SchemeAESGCM = "aes256gcm"
	// SchemeNone marks metadata-only records with no ciphertext.
	SchemeNone = "none"
)

// EnvelopeVersion is the only layout written today.
const EnvelopeVersion = 1

// ErrMalformed is returned when an envelope's metadata cannot be decoded.
var ErrMalformed = errors.New("malformed record")

// Envelope is one stored record. Ciphertext is opaque to storage; Meta holds
// public JSON metadata and Version is the record generation used by PutCAS.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Meta       []byte `json:"meta,omitempty"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy so callers never alias a backend's buffers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Nonce = slices.Clone(e.Nonce)
	cp.Ciphertext = slices.Clone(e.Ciphertext)
	cp.Meta = slices.Clone(e.Meta)
	return &cp
}

// MetaRecord returns a metadata-only envelope.
func MetaRecord(meta []byte, version uint64) *Envelope {
	return &Envelope{Ver: EnvelopeVersion, Scheme: SchemeNone, Meta: meta, Version: version}
}

// JSONRecord marshals v into a metadata-only envelope.
func JSONRecord(v any, version uint64) (*Envelope, error) {
	meta, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record metadata: %w", err)
	}
	return MetaRecord(meta, version), nil
}

// DecodeMeta unmarshals the envelope's metadata into v.
func (e *Envelope) DecodeMeta(v any) error {
	if e == nil || len(e.Meta) == 0 {
		return fmt.Errorf("%w: no metadata", ErrMalformed)
	}
	if err := json.Unmarshal(e.Meta, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
