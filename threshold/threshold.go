// Package threshold splits a vault key into a 2-of-3 share set and
// reconstructs it from any two distinct shares.
//
// Shares use the hashicorp/vault Shamir encoding: the share value followed by
// a one-byte, non-zero x-coordinate. Share A belongs to the owner and is never
// persisted; it is re-derived on demand from the vault key and Share B.
package threshold

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
)

const (
	// Parts is the number of shares in a set.
	Parts = 3
	// Threshold is the number of shares needed to reconstruct.
	Threshold = 2
)

var (
	ErrThresholdInsufficient = errors.New("at least two valid shares are required")
	ErrDuplicateShare        = errors.New("duplicate share index")
	ErrMalformedShare        = errors.New("malformed share")
)

// Share is one point of the sharing polynomial, x-coordinate last.
type Share []byte

// X returns the share's x-coordinate, or 0 for an empty share.
func (s Share) X() uint8 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Wipe zeroes the share in place.
func (s Share) Wipe() {
	util.WipeBytes(s)
}

// Holder names a share's role in a set.
type Holder string

const (
	HolderOwner   Holder = "A"
	HolderService Holder = "B"
	HolderNominee Holder = "C"
)

// ShareSet is one split of a vault key.
type ShareSet struct {
	ID string
	A  Share
	B  Share
	C  Share
}

// Coordinates records the public x-coordinates of a set.
type Coordinates struct {
	ID string `json:"id"`
	XA uint8  `json:"xa"`
	XB uint8  `json:"xb"`
	XC uint8  `json:"xc"`
}

// Coordinates returns the set's public layout.
func (s *ShareSet) Coordinates() Coordinates {
	return Coordinates{ID: s.ID, XA: s.A.X(), XB: s.B.X(), XC: s.C.X()}
}

// Wipe zeroes every share.
func (s *ShareSet) Wipe() {
	if s == nil {
		return
	}
	s.A.Wipe()
	s.B.Wipe()
	s.C.Wipe()
}

// Split produces a fresh 2-of-3 share set of secret.
func Split(secret []byte) (*ShareSet, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cannot split empty secret")
	}
	parts, err := shamir.Split(secret, Parts, Threshold)
	if err != nil {
		return nil, fmt.Errorf("splitting secret: %w", err)
	}
	return &ShareSet{
		ID: uuid.New(),
		A:  parts[0],
		B:  parts[1],
		C:  parts[2],
	}, nil
}

// Combine reconstructs the secret from two or three shares. When all three
// are supplied every pair must agree. Reconstruction cannot detect a
// corrupted share from two points alone, so callers validate the result
// against an independent check.
func Combine(shares ...Share) ([]byte, error) {
	valid := make([][]byte, 0, len(shares))
	for _, s := range shares {
		if len(s) > 0 {
			valid = append(valid, s)
		}
	}
	if len(valid) < Threshold {
		return nil, ErrThresholdInsufficient
	}
	if len(valid) > Parts {
		return nil, fmt.Errorf("%w: too many shares", ErrMalformedShare)
	}

	seen := make(map[byte]bool, len(valid))
	for _, s := range valid {
		if len(s) < 2 || len(s) != len(valid[0]) {
			return nil, fmt.Errorf("%w: length mismatch", ErrMalformedShare)
		}
		x := s[len(s)-1]
		if x == 0 {
			return nil, fmt.Errorf("%w: zero x-coordinate", ErrMalformedShare)
		}
		if seen[x] {
			return nil, ErrDuplicateShare
		}
		seen[x] = true
	}

	secret, err := shamir.Combine(valid[:Threshold])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedShare, err)
	}
	for i := Threshold; i < len(valid); i++ {
		check, err := shamir.Combine([][]byte{valid[0], valid[i]})
		if err != nil {
			util.WipeBytes(secret)
			return nil, fmt.Errorf("%w: %v", ErrMalformedShare, err)
		}
		consistent := util.ConstantTimeEqual(secret, check)
		util.WipeBytes(check)
		if !consistent {
			util.WipeBytes(secret)
			return nil, fmt.Errorf("%w: shares disagree", ErrMalformedShare)
		}
	}
	return secret, nil
}

// Slope returns the non-constant coefficient of the degree-1 sharing
// polynomial defined by secret and one known share. Together with the secret
// it determines every share of the set.
func Slope(secret []byte, known Share) ([]byte, error) {
	if len(secret) == 0 || len(known) != len(secret)+1 {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedShare)
	}
	xk := known.X()
	if xk == 0 {
		return nil, fmt.Errorf("%w: zero x-coordinate", ErrMalformedShare)
	}
	// f(x) = s + c*x, so c = (y_k - s) / x_k.
	invXK := icrypto.GFInv(xk)
	slope := make([]byte, len(secret))
	for i := range secret {
		slope[i] = icrypto.GFMul(icrypto.GFAdd(known[i], secret[i]), invXK)
	}
	return slope, nil
}

// ShareAt evaluates the polynomial given by secret and slope at x.
func ShareAt(secret, slope []byte, x uint8) (Share, error) {
	if len(secret) == 0 || len(slope) != len(secret) {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedShare)
	}
	if x == 0 {
		return nil, fmt.Errorf("%w: zero x-coordinate", ErrMalformedShare)
	}
	out := make(Share, len(secret)+1)
	for i := range secret {
		out[i] = icrypto.GFAdd(secret[i], icrypto.GFMul(slope[i], x))
	}
	out[len(secret)] = x
	return out, nil
}

// DeriveShare evaluates the sharing polynomial defined by secret and one
// known share at a new x-coordinate.
func DeriveShare(secret []byte, known Share, x uint8) (Share, error) {
	slope, err := Slope(secret, known)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(slope)
	return ShareAt(secret, slope, x)
}
