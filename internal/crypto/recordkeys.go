package icrypto

import "github.com/jmcleod/ironkeep/internal/util"

const (
	recoveryKeyInfo = "ironkeep:recovery-wrap:v1"
	documentKeyInfo = "ironkeep:document-key:v1"
)

// DeriveRecoveryKey stretches a high-entropy recovery artifact into the
// wrapping key for the recovery-method record of one vault.
func DeriveRecoveryKey(artifact []byte, salt []byte) ([]byte, error) {
	return util.HKDF(artifact, salt, []byte(recoveryKeyInfo))
}

// DeriveDocumentWrapKey derives the vault-scoped key that wraps per-document keys.
func DeriveDocumentWrapKey(vaultKey []byte, vaultID string) ([]byte, error) {
	return util.HKDF(vaultKey, []byte(vaultID), []byte(documentKeyInfo))
}
