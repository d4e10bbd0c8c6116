package strongroom

import (
	"errors"
	"fmt"
	"os"
)

// MinPassphraseLength is the shortest passphrase accepted for sealing
// snapshots. Argon2id stretches whatever it gets, but a short passphrase
// stays the weakest link of the container.
const MinPassphraseLength = 12

// ValidatePassphrase checks a snapshot passphrase for minimum strength.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters long", MinPassphraseLength)
	}
	return nil
}

// resolvePassphrase picks the effective snapshot passphrase: an explicit
// argument wins, then the environment variable named in Options, then
// the literal configured in Options. Whichever source supplies it must
// pass ValidatePassphrase.
func (s *Store) resolvePassphrase(explicit string) (string, error) {
	pass := explicit
	if pass == "" && s.envPassphraseVar != "" {
		pass = os.Getenv(s.envPassphraseVar)
	}
	if pass == "" {
		pass = s.snapshotPassphrase
	}
	if pass == "" {
		return "", errors.New("no snapshot passphrase available: pass one explicitly or configure SnapshotPassphrase or EnvPassphraseVar")
	}
	if err := ValidatePassphrase(pass); err != nil {
		return "", err
	}
	return pass, nil
}
