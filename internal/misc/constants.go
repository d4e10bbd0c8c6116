package misc

// Argon2id parameters for snapshot key derivation.
const (
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 32

	// PBKDF2Iterations applies when reading containers written with the
	// legacy derivation.
	PBKDF2Iterations = 100000
)
