package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/storage"
)

// Record types stored per vault.
const (
	RecordTypeState    = "STATE"
	RecordTypeWrap     = "WRAP"
	RecordTypeGrant    = "GRANT"
	RecordTypeVerifier = "VERIFIER"
	RecordTypeMember   = "MEMBER"
	RecordTypeShareSet = "SHARESET"
	RecordTypeNominee  = "NOMINEE"
	RecordTypeRotation = "ROTATION"
	RecordTypeDocument = "DOCKEY"
)

// KeyMaterialTypes are the record types an unlock reads. A caching
// repository primes these after a successful unlock.
var KeyMaterialTypes = []string{
	RecordTypeState,
	RecordTypeWrap,
	RecordTypeVerifier,
	RecordTypeMember,
	RecordTypeGrant,
}

const (
	recordIDCurrent = "current"
	methodPassword  = "password"
	methodRecovery  = "recovery"
	holderSlope     = "slope"
	formatVersion   = 1
)

var keyCheckMarker = []byte("ironkeep:keycheck:v1")

type stateMeta struct {
	VaultID            string           `json:"vault_id"`
	OwnerID            string           `json:"owner_id"`
	Salt               []byte           `json:"salt"`
	KDF                crypto.KDFParams `json:"kdf"`
	RecoverySalt       []byte           `json:"recovery_salt"`
	Generation         uint64           `json:"generation"`
	RecoveryGeneration uint64           `json:"recovery_generation"`
	MemberScheme       string           `json:"member_scheme"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// vaultState is a decoded STATE record.
type vaultState struct {
	stateMeta
	env *storage.Envelope
}

type wrapMeta struct {
	Method     string `json:"method"`
	Generation uint64 `json:"generation"`
}

type memberMeta struct {
	MemberID  string           `json:"member_id"`
	Scheme    string           `json:"scheme"`
	PublicKey []byte           `json:"public_key"`
	Role      members.Role     `json:"role"`
	Status    members.Status   `json:"status"`
	Salt      []byte           `json:"salt"`
	KDF       crypto.KDFParams `json:"kdf"`
	AddedAt   time.Time        `json:"added_at"`
}

type grantMeta struct {
	MemberID     string `json:"member_id"`
	Fingerprint  string `json:"fingerprint"`
	Encapsulated []byte `json:"encapsulated"`
	Salt         []byte `json:"salt"`
}

type shareSetMeta struct {
	ID        string    `json:"id"`
	XA        uint8     `json:"xa"`
	XB        uint8     `json:"xb"`
	XC        uint8     `json:"xc"`
	CreatedAt time.Time `json:"created_at"`
}

type nomineeMeta struct {
	ID          string           `json:"id"`
	Identity    string           `json:"identity"`
	TriggerDays int              `json:"trigger_days"`
	Active      bool             `json:"active"`
	ShareSetID  string           `json:"share_set_id"`
	Salt        []byte           `json:"salt"`
	KDF         crypto.KDFParams `json:"kdf"`
	X           uint8            `json:"x"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type documentMeta struct {
	DocID       string    `json:"doc_id"`
	BlobKey     string    `json:"blob_key"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func encodeMeta(meta any) ([]byte, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding record metadata: %w", err)
	}
	return b, nil
}

func decodeMeta(env *storage.Envelope, meta any) error {
	if err := env.DecodeMeta(meta); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	}
	return nil
}

// wrappedEnvelope stores a WrappedKey with public metadata.
func wrappedEnvelope(w *crypto.WrappedKey, meta any, version uint64) (*storage.Envelope, error) {
	var m []byte
	if meta != nil {
		var err error
		if m, err = encodeMeta(meta); err != nil {
			return nil, err
		}
	}
	return &storage.Envelope{
		Ver:        formatVersion,
		Scheme:     w.Scheme,
		Nonce:      util.CopyBytes(w.Nonce),
		Ciphertext: util.CopyBytes(w.Ciphertext),
		Meta:       m,
		Version:    version,
	}, nil
}

func envelopeWrapped(env *storage.Envelope) *crypto.WrappedKey {
	return &crypto.WrappedKey{
		Scheme:     env.Scheme,
		Nonce:      util.CopyBytes(env.Nonce),
		Ciphertext: util.CopyBytes(env.Ciphertext),
	}
}

func metaEnvelope(meta any, version uint64) (*storage.Envelope, error) {
	m, err := encodeMeta(meta)
	if err != nil {
		return nil, err
	}
	return storage.MetaRecord(m, version), nil
}

func decodeState(vaultID string, env *storage.Envelope) (*vaultState, error) {
	st := &vaultState{env: env}
	if err := decodeMeta(env, &st.stateMeta); err != nil {
		return nil, err
	}
	if st.VaultID != vaultID {
		return nil, fmt.Errorf("%w: state belongs to vault %q", ErrIntegrityFailure, st.VaultID)
	}
	if st.Generation != env.Version {
		return nil, fmt.Errorf("%w: state generation %d does not match record version %d", ErrIntegrityFailure, st.Generation, env.Version)
	}
	return st, nil
}

// stateEnvelope seals the key-check marker for meta.Generation.
func stateEnvelope(vaultKey []byte, meta stateMeta) (*storage.Envelope, error) {
	w, err := crypto.Wrap(keyCheckMarker, vaultKey, icrypto.AADKeyCheck(meta.VaultID, meta.Generation, formatVersion))
	if err != nil {
		return nil, fmt.Errorf("sealing key check: %w", err)
	}
	return wrappedEnvelope(w, meta, meta.Generation)
}

// checkKey validates a candidate vault key against the state's marker.
func (st *vaultState) checkKey(vaultKey []byte) error {
	marker, err := crypto.Unwrap(envelopeWrapped(st.env), vaultKey, icrypto.AADKeyCheck(st.VaultID, st.Generation, formatVersion))
	if err != nil {
		return ErrIntegrityFailure
	}
	defer util.WipeBytes(marker)
	if !util.ConstantTimeEqual(marker, keyCheckMarker) {
		return ErrIntegrityFailure
	}
	return nil
}

func memberEnvelope(kp *members.KeyPair, meta memberMeta, version uint64) (*storage.Envelope, error) {
	meta.MemberID = kp.MemberID
	meta.Scheme = kp.Scheme
	meta.PublicKey = util.CopyBytes(kp.PublicKey)
	meta.Salt = util.CopyBytes(kp.Salt)
	meta.KDF = kp.KDFParams
	return wrappedEnvelope(kp.WrappedPrivateKey, meta, version)
}

func verifierEnvelope(kp *members.KeyPair, version uint64) (*storage.Envelope, error) {
	return wrappedEnvelope(kp.Verifier, map[string]string{"holder_id": kp.MemberID}, version)
}

// keyPairFrom rebuilds a key pair from its MEMBER and VERIFIER records.
// verifierEnv may be nil.
func keyPairFrom(memberEnv, verifierEnv *storage.Envelope) (*members.KeyPair, memberMeta, error) {
	var meta memberMeta
	if err := decodeMeta(memberEnv, &meta); err != nil {
		return nil, meta, err
	}
	kp := &members.KeyPair{
		MemberID:          meta.MemberID,
		Scheme:            meta.Scheme,
		PublicKey:         meta.PublicKey,
		WrappedPrivateKey: envelopeWrapped(memberEnv),
		Salt:              meta.Salt,
		KDFParams:         meta.KDF,
	}
	if verifierEnv != nil {
		kp.Verifier = envelopeWrapped(verifierEnv)
	}
	return kp, meta, nil
}

func grantEnvelope(g *members.Grant, version uint64) (*storage.Envelope, error) {
	m, err := encodeMeta(grantMeta{
		MemberID:     g.MemberID,
		Fingerprint:  g.Fingerprint,
		Encapsulated: g.Encapsulated,
		Salt:         g.Salt,
	})
	if err != nil {
		return nil, err
	}
	return &storage.Envelope{
		Ver:        formatVersion,
		Scheme:     g.Scheme,
		Nonce:      util.CopyBytes(g.Nonce),
		Ciphertext: util.CopyBytes(g.Ciphertext),
		Meta:       m,
		Version:    version,
	}, nil
}

func grantFrom(env *storage.Envelope) (*members.Grant, error) {
	var meta grantMeta
	if err := decodeMeta(env, &meta); err != nil {
		return nil, err
	}
	return &members.Grant{
		MemberID:     meta.MemberID,
		Fingerprint:  meta.Fingerprint,
		Scheme:       env.Scheme,
		Encapsulated: meta.Encapsulated,
		Salt:         meta.Salt,
		Nonce:        util.CopyBytes(env.Nonce),
		Ciphertext:   util.CopyBytes(env.Ciphertext),
	}, nil
}
