package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func fastParams(t *testing.T) KDFParams {
	t.Helper()
	p, err := KDFProfile(KDFProfileInteractive)
	if err != nil {
		t.Fatalf("KDFProfile failed: %v", err)
	}
	return p
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	params := fastParams(t)

	t.Run("Deterministic", func(t *testing.T) {
		k1, err := DeriveKey("correct horse", salt, PurposeWrapping, WithKDFParams(params))
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}
		k2, err := DeriveKey("correct horse", salt, PurposeWrapping, WithKDFParams(params))
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}
		if !bytes.Equal(k1, k2) {
			t.Error("DeriveKey should be deterministic with same inputs")
		}
		if len(k1) != 32 {
			t.Errorf("expected 32-byte key, got %d", len(k1))
		}
	})

	t.Run("PurposeSeparation", func(t *testing.T) {
		w, err := DeriveKey("pw", salt, PurposeWrapping, WithKDFParams(params))
		if err != nil {
			t.Fatal(err)
		}
		v, err := DeriveKey("pw", salt, PurposeVerifier, WithKDFParams(params))
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(w, v) {
			t.Error("wrapping and verifier keys must differ")
		}
	})

	t.Run("MatchesDeriveKeys", func(t *testing.T) {
		keys, err := DeriveKeys("pw", salt, WithKDFParams(params))
		if err != nil {
			t.Fatal(err)
		}
		w, _ := DeriveKey("pw", salt, PurposeWrapping, WithKDFParams(params))
		v, _ := DeriveKey("pw", salt, PurposeVerifier, WithKDFParams(params))
		if !bytes.Equal(keys.Wrapping, w) || !bytes.Equal(keys.Verifier, v) {
			t.Error("DeriveKeys should agree with DeriveKey")
		}
		keys.Wipe()
		if !bytes.Equal(keys.Wrapping, make([]byte, 32)) {
			t.Error("Wipe should zero the wrapping key")
		}
	})

	t.Run("WrongPasswordDifferentKey", func(t *testing.T) {
		a, _ := DeriveKey("pw", salt, PurposeWrapping, WithKDFParams(params))
		b, err := DeriveKey("pW", salt, PurposeWrapping, WithKDFParams(params))
		if err != nil {
			t.Fatalf("wrong password should not error: %v", err)
		}
		if bytes.Equal(a, b) {
			t.Error("different passwords should give different keys")
		}
	})

	t.Run("DifferentSalt", func(t *testing.T) {
		a, _ := DeriveKey("pw", salt, PurposeWrapping, WithKDFParams(params))
		b, _ := DeriveKey("pw", []byte("fedcba9876543210"), PurposeWrapping, WithKDFParams(params))
		if bytes.Equal(a, b) {
			t.Error("different salts should give different keys")
		}
	})

	t.Run("WeakParamsRejected", func(t *testing.T) {
		weak := params
		weak.Time = 1
		if _, err := DeriveKey("pw", salt, PurposeWrapping, WithKDFParams(weak)); err == nil {
			t.Error("expected error for weak params")
		}
	})

	t.Run("UnknownPurpose", func(t *testing.T) {
		if _, err := DeriveKey("pw", salt, Purpose("other"), WithKDFParams(params)); err == nil {
			t.Error("expected error for unknown purpose")
		}
	})
}

func TestWrapUnwrap(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	secret := []byte("vault-key-material-32-bytes-long")
	aad := []byte("context")

	for _, scheme := range []string{SchemeAESGCM, SchemeXChaCha} {
		t.Run(scheme, func(t *testing.T) {
			w, err := Wrap(secret, key, aad, WithScheme(scheme))
			if err != nil {
				t.Fatalf("Wrap failed: %v", err)
			}
			if w.Scheme != scheme {
				t.Errorf("expected scheme %s, got %s", scheme, w.Scheme)
			}
			got, err := Unwrap(w, key, aad)
			if err != nil {
				t.Fatalf("Unwrap failed: %v", err)
			}
			if !bytes.Equal(got, secret) {
				t.Error("roundtrip mismatch")
			}

			// Fresh nonce on every call.
			w2, _ := Wrap(secret, key, aad, WithScheme(scheme))
			if bytes.Equal(w.Nonce, w2.Nonce) {
				t.Error("nonce reused")
			}

			wrongKey := bytes.Repeat([]byte{0x43}, 32)
			if _, err := Unwrap(w, wrongKey, aad); !errors.Is(err, ErrIntegrity) {
				t.Errorf("wrong key: expected ErrIntegrity, got %v", err)
			}
			if _, err := Unwrap(w, key, []byte("other")); !errors.Is(err, ErrIntegrity) {
				t.Errorf("wrong aad: expected ErrIntegrity, got %v", err)
			}

			tampered := w.Clone()
			tampered.Ciphertext[0] ^= 0x01
			if _, err := Unwrap(tampered, key, aad); !errors.Is(err, ErrIntegrity) {
				t.Errorf("tampered ciphertext: expected ErrIntegrity, got %v", err)
			}
			tampered = w.Clone()
			tampered.Nonce[0] ^= 0x80
			if _, err := Unwrap(tampered, key, aad); !errors.Is(err, ErrIntegrity) {
				t.Errorf("tampered nonce: expected ErrIntegrity, got %v", err)
			}
		})
	}

	t.Run("Malformed", func(t *testing.T) {
		if _, err := Unwrap(nil, key, aad); !errors.Is(err, ErrIntegrity) {
			t.Errorf("expected ErrIntegrity, got %v", err)
		}
		if _, err := Unwrap(&WrappedKey{Scheme: "rot13", Nonce: []byte{1}, Ciphertext: []byte{2}}, key, aad); !errors.Is(err, ErrIntegrity) {
			t.Errorf("expected ErrIntegrity, got %v", err)
		}
	})

	t.Run("UnknownScheme", func(t *testing.T) {
		if _, err := Wrap(secret, key, aad, WithScheme("rot13")); err == nil {
			t.Error("expected error for unknown scheme")
		}
	})
}

func TestVerifier(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	aad := []byte("verifier-aad")

	v, err := NewVerifier(key, "owner", aad)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if err := CheckVerifier(v, key, "owner", aad); err != nil {
		t.Errorf("CheckVerifier failed: %v", err)
	}
	if err := CheckVerifier(v, bytes.Repeat([]byte{0x12}, 32), "owner", aad); !errors.Is(err, ErrIntegrity) {
		t.Errorf("wrong key: expected ErrIntegrity, got %v", err)
	}
	if err := CheckVerifier(v, key, "someone-else", aad); !errors.Is(err, ErrIntegrity) {
		t.Errorf("wrong holder: expected ErrIntegrity, got %v", err)
	}
}

func TestRecoveryArtifact(t *testing.T) {
	ra, err := NewRecoveryArtifact()
	if err != nil {
		t.Fatalf("NewRecoveryArtifact failed: %v", err)
	}
	s := ra.String()
	if !strings.HasPrefix(s, "R1-") {
		t.Errorf("unexpected format %q", s)
	}
	parsed, err := ParseRecoveryArtifact("  " + strings.ToLower(s) + "\n")
	if err != nil {
		t.Fatalf("ParseRecoveryArtifact failed: %v", err)
	}
	if parsed.ID() != ra.ID() {
		t.Errorf("expected ID %s, got %s", ra.ID(), parsed.ID())
	}
	if parsed.String() != s {
		t.Errorf("expected %s, got %s", s, parsed.String())
	}

	salt := []byte("salt")
	k1, err := ra.WrappingKey(salt)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := parsed.WrappingKey(salt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("parsed artifact should derive the same wrapping key")
	}

	other, _ := NewRecoveryArtifact()
	k3, _ := other.WrappingKey(salt)
	if bytes.Equal(k1, k3) {
		t.Error("distinct artifacts should derive distinct keys")
	}

	parsed.Destroy()
	if _, err := parsed.WrappingKey(salt); err == nil {
		t.Error("destroyed artifact should not derive a key")
	}
}

func TestParseRecoveryArtifact_Invalid(t *testing.T) {
	tests := []struct {
		name string
		str  string
	}{
		{"Empty", ""},
		{"WrongPrefix", "X1-ABCDEF-ABCDEF-ABCDE-ABCDE-ABCDE-ABCDE"},
		{"WrongVersion", "R2-ABCDEF-ABCDEF-ABCDE-ABCDE-ABCDE-ABCDE"},
		{"TooShortID", "R1-ABCDE-ABCDEF-ABCDE-ABCDE-ABCDE-ABCDE"},
		{"TooLongID", "R1-ABCDEFG-ABCDEF-ABCDE-ABCDE-ABCDE-ABCDE"},
		{"AmbiguousChars", "R1-ABCDE0-ABCDEF-ABCDE-ABCDE-ABCDE-ABCDE"},
		{"InvalidChars", "R1-ABC!@#-ABCDEF-ABCDE-ABCDE-ABCDE-ABCDE"},
		{"WrongSegmentCount", "R1-ABCDEF-ABCDEF-ABCDE-ABCDE-ABCDE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecoveryArtifact(tt.str)
			if err == nil {
				t.Errorf("ParseRecoveryArtifact(%q) expected error, got nil", tt.str)
			}
		})
	}
}
