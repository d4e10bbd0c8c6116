package strongroom

import (
	"fmt"

	"southwinds.dev/strongroom/crypt"
)

// MaxPayloadSize bounds a single record payload. Chains are meant for
// keys, tokens and credentials, not blobs.
const MaxPayloadSize = 10 * 1024 * 1024 // 10MB

func validateOptions(options Options) error {
	if options.SnapshotPassphrase != "" {
		if err := ValidatePassphrase(options.SnapshotPassphrase); err != nil {
			return fmt.Errorf("snapshot passphrase: %w", err)
		}
	}

	// Validate environment variable name format
	if options.EnvPassphraseVar != "" {
		if !isValidEnvVarName(options.EnvPassphraseVar) {
			return fmt.Errorf("invalid environment variable name: %s", options.EnvPassphraseVar)
		}
	}

	return nil
}

func (s *Store) validateChainSecret(secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("chain secret cannot be empty")
	}
	if want := s.cipher.KeySize(); len(secret) != want {
		return fmt.Errorf("chain secret must be %d bytes for %s, got %d", want, s.cipher.Name(), len(secret))
	}
	if crypt.IsWeakKey(secret) {
		return fmt.Errorf("chain secret rejected as weak key material")
	}
	return nil
}

func validatePayload(plaintext []byte) error {
	if len(plaintext) == 0 {
		return fmt.Errorf("record payload cannot be empty")
	}
	if len(plaintext) > MaxPayloadSize {
		return fmt.Errorf("record payload too large: %d bytes (max: %d)", len(plaintext), MaxPayloadSize)
	}
	return nil
}

func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}

	// Must start with letter or underscore
	if !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z') || name[0] == '_') {
		return false
	}

	// Rest can be letters, numbers, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}
