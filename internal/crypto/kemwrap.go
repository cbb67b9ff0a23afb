package icrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/jmcleod/ironkeep/internal/util"
)

// The ML-KEM-768 decapsulation key embeds the encapsulation key after the
// 1152-byte inner PKE secret.
const mlkemPublicKeyOffset = 1152

func generateMLKEM() (pub, priv []byte, err error) {
	pk, sk, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ML-KEM-768 key pair: %w", err)
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func mlkemPublicFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != mlkem768.PrivateKeySize {
		return nil, fmt.Errorf("invalid ML-KEM-768 private key size %d", len(priv))
	}
	return util.CopyBytes(priv[mlkemPublicKeyOffset : mlkemPublicKeyOffset+mlkem768.PublicKeySize]), nil
}

func encapsulateMLKEM(recipientPub []byte) (shared, ct []byte, err error) {
	if len(recipientPub) != mlkem768.PublicKeySize {
		return nil, nil, fmt.Errorf("invalid ML-KEM-768 public key size %d", len(recipientPub))
	}
	var pk mlkem768.PublicKey
	if err := pk.Unpack(recipientPub); err != nil {
		return nil, nil, fmt.Errorf("unpacking ML-KEM-768 public key: %w", err)
	}
	ct = make([]byte, mlkem768.CiphertextSize)
	shared = make([]byte, mlkem768.SharedKeySize)
	pk.EncapsulateTo(ct, shared, nil)
	return shared, ct, nil
}

func decapsulateMLKEM(recipientPriv, ct []byte) ([]byte, error) {
	if len(ct) != mlkem768.CiphertextSize {
		return nil, fmt.Errorf("invalid ML-KEM-768 ciphertext size %d", len(ct))
	}
	var sk mlkem768.PrivateKey
	if err := sk.Unpack(recipientPriv); err != nil {
		return nil, fmt.Errorf("unpacking ML-KEM-768 private key: %w", err)
	}
	shared := make([]byte, mlkem768.SharedKeySize)
	sk.DecapsulateTo(shared, ct)
	return shared, nil
}
