package members

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
)

const testVault = "vault-1"

func fastParams(t *testing.T) crypto.KDFParams {
	t.Helper()
	p, err := crypto.KDFProfile(crypto.KDFProfileInteractive)
	require.NoError(t, err)
	return p
}

func newVaultKey(t *testing.T) []byte {
	t.Helper()
	k, err := util.NewAESKey()
	require.NoError(t, err)
	return k
}

func TestMemberLifecycle(t *testing.T) {
	for _, scheme := range []string{SchemeX25519, SchemeMLKEM768} {
		t.Run(scheme, func(t *testing.T) {
			kp, priv, err := CreateMember(testVault, "member-pass", WithScheme(scheme), WithKDFParams(fastParams(t)))
			require.NoError(t, err)
			defer priv.Destroy()

			assert.NotEmpty(t, kp.MemberID)
			assert.Equal(t, scheme, kp.Scheme)
			assert.Equal(t, kp.PublicKey, priv.PublicKey())
			assert.Equal(t, kp.MemberID, priv.MemberID())

			vaultKey := newVaultKey(t)
			grant, err := GrantVaultAccess(testVault, vaultKey, kp)
			require.NoError(t, err)
			assert.Equal(t, kp.Fingerprint(), grant.Fingerprint)

			got, err := UnwrapAsMember(testVault, grant, kp, "member-pass")
			require.NoError(t, err)
			assert.Equal(t, vaultKey, got)

			_, err = UnwrapAsMember(testVault, grant, kp, "member-pasS")
			assert.ErrorIs(t, err, ErrInvalidCredential)

			_, err = UnwrapAsMember("other-vault", grant, kp, "member-pass")
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestGrantVaultAccess_Idempotent(t *testing.T) {
	kp, priv, err := CreateMember(testVault, "pw", WithKDFParams(fastParams(t)))
	require.NoError(t, err)
	defer priv.Destroy()

	vaultKey := newVaultKey(t)
	g1, err := GrantVaultAccess(testVault, vaultKey, kp)
	require.NoError(t, err)
	g2, err := GrantVaultAccess(testVault, vaultKey, kp)
	require.NoError(t, err)
	assert.NotEqual(t, g1.Ciphertext, g2.Ciphertext)

	k1, err := OpenGrant(testVault, g1, priv)
	require.NoError(t, err)
	k2, err := OpenGrant(testVault, g2, priv)
	require.NoError(t, err)
	assert.Equal(t, vaultKey, k1)
	assert.Equal(t, vaultKey, k2)
}

func TestOpenGrant_Corrupt(t *testing.T) {
	kp, priv, err := CreateMember(testVault, "pw", WithKDFParams(fastParams(t)))
	require.NoError(t, err)
	defer priv.Destroy()

	grant, err := GrantVaultAccess(testVault, newVaultKey(t), kp)
	require.NoError(t, err)
	grant.Ciphertext[0] ^= 0x01

	_, err = UnwrapAsMember(testVault, grant, kp, "pw")
	assert.ErrorIs(t, err, ErrGrantIntegrity)
}

func TestOpenGrant_StaleKeyPair(t *testing.T) {
	params := fastParams(t)
	oldKP, oldPriv, err := CreateMember(testVault, "pw", WithKDFParams(params))
	require.NoError(t, err)
	defer oldPriv.Destroy()

	grant, err := GrantVaultAccess(testVault, newVaultKey(t), oldKP)
	require.NoError(t, err)

	newKP, newPriv, err := CreateMember(testVault, "pw", WithMemberID(oldKP.MemberID), WithKDFParams(params))
	require.NoError(t, err)
	defer newPriv.Destroy()

	_, err = UnwrapAsMember(testVault, grant, newKP, "pw")
	assert.ErrorIs(t, err, ErrGrantIntegrity)
}

func TestRewrap(t *testing.T) {
	kp, priv, err := CreateMember(testVault, "old-pass", WithKDFParams(fastParams(t)))
	require.NoError(t, err)
	defer priv.Destroy()

	vaultKey := newVaultKey(t)
	grant, err := GrantVaultAccess(testVault, vaultKey, kp)
	require.NoError(t, err)

	rewrapped, err := Rewrap(testVault, kp, priv, "new-pass")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, rewrapped.PublicKey)
	assert.NotEqual(t, kp.Salt, rewrapped.Salt)

	got, err := UnwrapAsMember(testVault, grant, rewrapped, "new-pass")
	require.NoError(t, err)
	assert.Equal(t, vaultKey, got)

	_, err = UnwrapAsMember(testVault, grant, rewrapped, "old-pass")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	other, otherPriv, err := CreateMember(testVault, "x", WithKDFParams(fastParams(t)))
	require.NoError(t, err)
	defer otherPriv.Destroy()
	_, err = Rewrap(testVault, other, priv, "new-pass")
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestExportImport(t *testing.T) {
	_, priv, err := CreateMember(testVault, "pw", WithKDFParams(fastParams(t)))
	require.NoError(t, err)
	defer priv.Destroy()

	blob, err := ExportPrivateKey(priv, "device-pass")
	require.NoError(t, err)

	imported, err := ImportPrivateKey(blob, "device-pass")
	require.NoError(t, err)
	defer imported.Destroy()
	assert.Equal(t, priv.PublicKey(), imported.PublicKey())
	assert.Equal(t, priv.MemberID(), imported.MemberID())

	_, err = ImportPrivateKey(blob, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = ExportPrivateKey(priv, "")
	assert.ErrorIs(t, err, errEmptyPassphrase)

	tampered := append([]byte(nil), blob...)
	tampered[1] ^= 0xff
	_, err = ImportPrivateKey(tampered, "device-pass")
	assert.ErrorIs(t, err, ErrInvalidCredential, "salt is bound as associated data")

	_, err = ImportPrivateKey(blob[:exportHeaderLen], "device-pass")
	assert.Error(t, err)
}

func TestMemoryKeyRing(t *testing.T) {
	_, priv, err := CreateMember(testVault, "pw", WithKDFParams(fastParams(t)))
	require.NoError(t, err)

	ring := NewMemoryKeyRing()
	require.NoError(t, ring.Put(priv))
	id := priv.MemberID()
	pub := priv.PublicKey()
	priv.Destroy()

	got, ok := ring.Get(id)
	require.True(t, ok)
	assert.Equal(t, pub, got.PublicKey())
	got.Destroy()

	again, ok := ring.Get(id)
	require.True(t, ok, "destroying a returned key must not affect the ring")
	again.Destroy()

	ring.Forget(id)
	_, ok = ring.Get(id)
	assert.False(t, ok)
}

func TestPrivateKeyDestroyed(t *testing.T) {
	kp, priv, err := CreateMember(testVault, "pw", WithKDFParams(fastParams(t)))
	require.NoError(t, err)
	grant, err := GrantVaultAccess(testVault, newVaultKey(t), kp)
	require.NoError(t, err)

	priv.Destroy()
	priv.Destroy()
	_, err = OpenGrant(testVault, grant, priv)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Empty(t, priv.MemberID())
}

func TestRole(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleViewer.Valid())
	assert.False(t, Role("owner").Valid())
}
