package members

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

// An export blob is
//
//	version (1) || salt (16) || AES-256-GCM(JSON keyFile)
//
// with version and salt bound as associated data. Blobs sit offline for
// years, so the key comes from the sensitive KDF profile.
const (
	exportVersion   = 1
	exportSaltLen   = 16
	exportHeaderLen = 1 + exportSaltLen
)

type keyFile struct {
	MemberID   string `json:"member_id"`
	Scheme     string `json:"scheme"`
	PrivateKey []byte `json:"private_key"`
}

var errEmptyPassphrase = errors.New("passphrase must not be empty")

func exportKey(passphrase string, salt []byte) ([]byte, error) {
	p, err := util.Argon2idProfile(util.KDFProfileSensitive)
	if err != nil {
		return nil, err
	}
	key, err := util.DeriveArgon2idKey(util.Normalize(passphrase), salt, p)
	if err != nil {
		return nil, fmt.Errorf("export key: %w", err)
	}
	return key, nil
}

// ExportPrivateKey seals priv under passphrase. A device holding the blob
// can restore the member key pair after the member password is lost.
func ExportPrivateKey(priv *PrivateKey, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errEmptyPassphrase
	}
	var doc []byte
	if err := priv.use(func(raw []byte) (err error) {
		doc, err = json.Marshal(keyFile{MemberID: priv.memberID, Scheme: priv.scheme, PrivateKey: raw})
		return err
	}); err != nil {
		return nil, err
	}
	defer util.WipeBytes(doc)

	blob := make([]byte, exportHeaderLen, exportHeaderLen+len(doc)+64)
	blob[0] = exportVersion
	salt, err := util.RandomBytes(exportSaltLen)
	if err != nil {
		return nil, err
	}
	copy(blob[1:], salt)

	key, err := exportKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	sealed, err := util.EncryptAESWithAAD(doc, key, blob[:exportHeaderLen])
	if err != nil {
		return nil, fmt.Errorf("sealing key file: %w", err)
	}
	return append(blob, sealed...), nil
}

// ImportPrivateKey opens a blob from ExportPrivateKey. A wrong passphrase
// and a tampered blob both yield ErrInvalidCredential.
func ImportPrivateKey(blob []byte, passphrase string) (*PrivateKey, error) {
	switch {
	case len(blob) <= exportHeaderLen:
		return nil, fmt.Errorf("export blob is %d bytes", len(blob))
	case blob[0] != exportVersion:
		return nil, fmt.Errorf("unsupported export version %d", blob[0])
	}
	key, err := exportKey(passphrase, blob[1:exportHeaderLen])
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	doc, err := util.DecryptAESWithAAD(blob[exportHeaderLen:], key, blob[:exportHeaderLen])
	if err != nil {
		return nil, ErrInvalidCredential
	}
	defer util.WipeBytes(doc)

	var kf keyFile
	if err := json.Unmarshal(doc, &kf); err != nil {
		return nil, fmt.Errorf("decoding key file: %w", err)
	}
	defer util.WipeBytes(kf.PrivateKey)
	return newPrivateKey(kf.MemberID, kf.Scheme, kf.PrivateKey)
}
