// Package credentials implements password hashing, password policy
// enforcement and the common-password denylist.
package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing these only affects newly hashed passwords;
// verification reads the parameters back from the encoded hash.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Hasher hashes and verifies passwords using Argon2id. Hashes are stored in
// PHC string format so parameters can evolve without breaking verification.
type Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// NewHasher creates a Hasher with the default Argon2id parameters
func NewHasher() *Hasher {
	return &Hasher{
		time:    argonTime,
		memory:  argonMemory,
		threads: argonThreads,
		keyLen:  argonKeyLen,
	}
}

// Hash derives an Argon2id hash of the password and returns it in PHC
// string format.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, h.keyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Verify reports whether the password matches the encoded hash. Malformed
// hashes verify as false, never as true.
func (h *Hasher) Verify(password, encoded string) bool {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false
	}

	candidate := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, candidate) == 1
}

type hashParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func decodeHash(encoded string) (hashParams, []byte, []byte, error) {
	var params hashParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, fmt.Errorf("malformed password hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("malformed hash version: %w", err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return params, nil, nil, fmt.Errorf("malformed hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("malformed hash salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("malformed hash key: %w", err)
	}

	// argon2.IDKey requires time >= 1, threads >= 1 and a non-trivial key
	// length; degenerate parameters panic inside the library.
	if params.time < 1 || params.threads < 1 {
		return params, nil, nil, fmt.Errorf("invalid hash parameters t=%d p=%d", params.time, params.threads)
	}
	if params.memory > 4*1024*1024 {
		return params, nil, nil, fmt.Errorf("hash memory parameter %d out of range", params.memory)
	}
	if len(key) < 16 {
		return params, nil, nil, fmt.Errorf("hash key too short")
	}

	return params, salt, key, nil
}

// GenerateTemporaryPassword returns a random password of length n drawn from
// a mixed alphabet that satisfies the default policy.
func GenerateTemporaryPassword(n int) (string, error) {
	if n < 8 {
		n = 8
	}

	const alphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789!@#$%^&*"
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate temporary password: %w", err)
	}

	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alphabet[int(b)%len(alphabet)]
	}

	// Guarantee the required character classes regardless of the draw
	out[0] = 'A' + raw[0]%26
	out[1] = 'a' + raw[1]%26
	out[2] = '2' + raw[2]%8
	return string(out), nil
}
