package icrypto

import (
	"encoding/binary"
)

// Domain labels prefixed to every AAD so a ciphertext produced for one
// purpose can never authenticate under another.
const (
	aadWrap       = "WRAP"
	aadGrant      = "GRANT"
	aadVerifier   = "VERIFIER"
	aadMemberKey  = "MEMBERKEY"
	aadShare      = "SHARE"
	aadKeyCheck   = "KEYCHECK"
	aadDocument   = "DOCUMENT"
	aadDocKeyWrap = "DOCKEYWRAP"
	aadCustody    = "CUSTODY"
)

// AADWrap binds a password or recovery wrapping of the vault key.
func AADWrap(vaultID, method string, generation uint64, ver int) []byte {
	return buildAAD(aadWrap, vaultID, method, generation, ver)
}

// AADGrant binds a vault key sealed to a member's public key.
func AADGrant(vaultID, memberID string, ver int) []byte {
	return buildAAD(aadGrant, vaultID, memberID, ver)
}

func AADVerifier(vaultID, holderID string, ver int) []byte {
	return buildAAD(aadVerifier, vaultID, holderID, ver)
}

// AADMemberKey binds a member private key to its identity and public key fingerprint.
func AADMemberKey(vaultID, memberID, fingerprint string, ver int) []byte {
	return buildAAD(aadMemberKey, vaultID, memberID, fingerprint, ver)
}

func AADShare(vaultID, shareSetID, holder string, ver int) []byte {
	return buildAAD(aadShare, vaultID, shareSetID, holder, ver)
}

// AADKeyCheck binds the key-check marker to the state generation.
func AADKeyCheck(vaultID string, generation uint64, ver int) []byte {
	return buildAAD(aadKeyCheck, vaultID, generation, ver)
}

func AADDocument(vaultID, docID string, ver int) []byte {
	return buildAAD(aadDocument, vaultID, docID, ver)
}

func AADDocumentKey(vaultID, docID string, ver int) []byte {
	return buildAAD(aadDocKeyWrap, vaultID, docID, ver)
}

func AADCustody(vaultID, shareSetID string, ver int) []byte {
	return buildAAD(aadCustody, vaultID, shareSetID, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
