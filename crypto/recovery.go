package crypto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
)

const (
	recoveryVersion  = 1
	recoveryIDLen    = 6
	recoverySecretLn = 26
	// Crockford-style: no I, O or U, and no 0 or 1.
	recoveryAlphabet = "23456789ABCDEFGHJKLMNPQRSTVWXYZ"
)

var recoveryRE = regexp.MustCompile(`^R(\d)-([2-9A-HJ-NP-TV-Z]{6})-([2-9A-HJ-NP-TV-Z]{6})-([2-9A-HJ-NP-TV-Z]{5})-([2-9A-HJ-NP-TV-Z]{5})-([2-9A-HJ-NP-TV-Z]{5})-([2-9A-HJ-NP-TV-Z]{5})$`)

// RecoveryArtifact is a high-entropy, user-custodied secret that wraps the
// recovery-method copy of a vault key. Its formatted form is
// R1-XXXXXX-XXXXXX-XXXXX-XXXXX-XXXXX-XXXXX.
type RecoveryArtifact interface {
	fmt.Stringer
	Version() int
	ID() string
	// WrappingKey derives the key that wraps the vault key for this artifact.
	WrappingKey(salt []byte) ([]byte, error)
	Destroy()
}

type recoveryArtifact struct {
	version int
	id      string
	secret  []byte
}

func (a *recoveryArtifact) String() string {
	s := string(a.secret)
	return fmt.Sprintf("R%d-%s-%s-%s-%s-%s-%s",
		a.version, a.id,
		s[0:6], s[6:11], s[11:16], s[16:21], s[21:26])
}

func (a *recoveryArtifact) Version() int {
	return a.version
}

func (a *recoveryArtifact) ID() string {
	return a.id
}

func (a *recoveryArtifact) WrappingKey(salt []byte) ([]byte, error) {
	if len(a.secret) != recoverySecretLn {
		return nil, fmt.Errorf("recovery artifact has been destroyed")
	}
	ikm := make([]byte, 0, len(a.id)+len(a.secret))
	ikm = append(ikm, a.id...)
	ikm = append(ikm, a.secret...)
	defer util.WipeBytes(ikm)
	return icrypto.DeriveRecoveryKey(ikm, salt)
}

func (a *recoveryArtifact) Destroy() {
	util.WipeBytes(a.secret)
	a.secret = nil
}

// ParseRecoveryArtifact parses the formatted representation. Input is
// case-insensitive and surrounding whitespace is ignored.
func ParseRecoveryArtifact(str string) (RecoveryArtifact, error) {
	matches := recoveryRE.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(str)))
	if matches == nil {
		return nil, fmt.Errorf("invalid recovery artifact format")
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("parsing version: %w", err)
	}
	if version != recoveryVersion {
		return nil, fmt.Errorf("unsupported recovery artifact version %d", version)
	}
	return &recoveryArtifact{
		version: version,
		id:      matches[2],
		secret:  []byte(strings.Join(matches[3:], "")),
	}, nil
}

// NewRecoveryArtifact generates a fresh artifact with ~128 bits of entropy.
func NewRecoveryArtifact() (RecoveryArtifact, error) {
	id, err := util.RandomString(recoveryAlphabet, recoveryIDLen)
	if err != nil {
		return nil, fmt.Errorf("generating recovery artifact ID: %w", err)
	}
	secret, err := util.RandomString(recoveryAlphabet, recoverySecretLn)
	if err != nil {
		return nil, fmt.Errorf("generating recovery artifact secret: %w", err)
	}
	return &recoveryArtifact{
		version: recoveryVersion,
		id:      id,
		secret:  []byte(secret),
	}, nil
}
