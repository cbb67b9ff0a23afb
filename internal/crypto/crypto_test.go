package icrypto

import (
	"bytes"
	"testing"

	"github.com/jmcleod/ironkeep/internal/util"
)

func TestAAD(t *testing.T) {
	aad1 := AADWrap("vault-123", "password", 1, 1)
	aad2 := AADWrap("vault-123", "password", 1, 1)
	if !bytes.Equal(aad1, aad2) {
		t.Error("AADWrap should be deterministic")
	}

	if bytes.Equal(aad1, AADWrap("vault-123", "recovery", 1, 1)) {
		t.Error("AADWrap should differ by method")
	}
	if bytes.Equal(aad1, AADWrap("vault-123", "password", 2, 1)) {
		t.Error("AADWrap should differ by generation")
	}

	// Length prefixes keep ("ab","c") and ("a","bc") apart.
	if bytes.Equal(AADVerifier("ab", "c", 1), AADVerifier("a", "bc", 1)) {
		t.Error("AAD parts must be length prefixed")
	}

	// Domain labels separate purposes over identical inputs.
	if bytes.Equal(AADGrant("v", "m", 1), AADVerifier("v", "m", 1)) {
		t.Error("AAD domains must not collide")
	}
}

func TestMemberWrap(t *testing.T) {
	for _, scheme := range []string{SchemeX25519, SchemeMLKEM768} {
		t.Run(scheme, func(t *testing.T) {
			pub, priv, err := GenerateMemberKeys(scheme)
			if err != nil {
				t.Fatalf("GenerateMemberKeys failed: %v", err)
			}
			secret := []byte("this-is-a-32-byte-key-0123456789")
			aad := []byte("some-aad")

			sealed, err := SealToMember(scheme, pub, secret, aad)
			if err != nil {
				t.Fatalf("SealToMember failed: %v", err)
			}
			if sealed.Scheme != scheme {
				t.Errorf("expected scheme %s, got %s", scheme, sealed.Scheme)
			}

			opened, err := OpenFromMember(priv, sealed, aad)
			if err != nil {
				t.Fatalf("OpenFromMember failed: %v", err)
			}
			if !bytes.Equal(secret, opened) {
				t.Errorf("expected %x, got %x", secret, opened)
			}

			if _, err := OpenFromMember(priv, sealed, []byte("other-aad")); err == nil {
				t.Error("expected error with wrong AAD")
			}

			_, otherPriv, _ := GenerateMemberKeys(scheme)
			if _, err := OpenFromMember(otherPriv, sealed, aad); err == nil {
				t.Error("expected error with wrong private key")
			}

			sealed.Ciphertext[0] ^= 0x01
			if _, err := OpenFromMember(priv, sealed, aad); err == nil {
				t.Error("expected error with tampered ciphertext")
			}

			derived, err := PublicFromPrivate(scheme, priv)
			if err != nil {
				t.Fatalf("PublicFromPrivate failed: %v", err)
			}
			if !bytes.Equal(pub, derived) {
				t.Error("PublicFromPrivate should recover the public key")
			}
		})
	}
}

func TestMemberWrap_UnknownScheme(t *testing.T) {
	if _, _, err := GenerateMemberKeys("rsa"); err == nil {
		t.Error("expected error for unknown scheme")
	}
	if _, err := SealToMember("rsa", nil, nil, nil); err == nil {
		t.Error("expected error for unknown scheme")
	}
}

func TestGF256(t *testing.T) {
	for a := 1; a < 256; a++ {
		if got := GFMul(uint8(a), GFInv(uint8(a))); got != 1 {
			t.Fatalf("a * inv(a) = %d for a = %d", got, a)
		}
	}
	if GFMul(0x57, 0x83) != 0xC1 {
		t.Error("GFMul does not match the AES field")
	}
	if GFDiv(GFMul(7, 9), 9) != 7 {
		t.Error("GFDiv should invert GFMul")
	}
}

func TestDerivedKeys(t *testing.T) {
	k1, err := DeriveRecoveryKey([]byte("artifact"), []byte("salt"))
	if err != nil {
		t.Fatalf("DeriveRecoveryKey failed: %v", err)
	}
	k2, _ := DeriveDocumentWrapKey([]byte("artifact"), "salt")
	if bytes.Equal(k1, k2) {
		t.Error("recovery and document keys must be domain separated")
	}
	if len(k1) != util.HKDFKeyLength {
		t.Errorf("expected %d byte key, got %d", util.HKDFKeyLength, len(k1))
	}
}
