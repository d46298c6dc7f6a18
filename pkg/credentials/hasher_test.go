package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	h := NewHasher()

	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	assert.True(t, h.Verify("correct horse battery staple", encoded))
	assert.False(t, h.Verify("wrong password", encoded))
}

func TestHashIsSalted(t *testing.T) {
	h := NewHasher()

	first, err := h.Hash("same password")
	require.NoError(t, err)
	second, err := h.Hash("same password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, h.Verify("same password", first))
	assert.True(t, h.Verify("same password", second))
}

func TestVerifyFailsClosedOnMalformedHash(t *testing.T) {
	h := NewHasher()

	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"plaintext", "not-a-hash"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$a2V5"},
		{"truncated", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA"},
		{"bad base64 salt", "$argon2id$v=19$m=65536,t=3,p=4$!!!$a2V5"},
		{"wrong version", "$argon2id$v=18$m=65536,t=3,p=4$c2FsdA$a2V5"},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$"},
		{"short key", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$a2V5"},
		{"zero time", "$argon2id$v=19$m=65536,t=0,p=4$c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5"},
		{"zero threads", "$argon2id$v=19$m=65536,t=3,p=0$c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5"},
		{"absurd memory", "$argon2id$v=19$m=4294967295,t=3,p=4$c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, h.Verify("anything", tt.encoded))
		})
	}
}

func TestGenerateTemporaryPassword(t *testing.T) {
	pw, err := GenerateTemporaryPassword(16)
	require.NoError(t, err)
	assert.Len(t, pw, 16)

	// Generated passwords must pass the default policy
	deny, err := NewDenylist("")
	require.NoError(t, err)
	result := DefaultPolicy().Validate(pw, deny)
	assert.True(t, result.Valid, "temporary password failed policy: %v", result.Errors)

	other, err := GenerateTemporaryPassword(16)
	require.NoError(t, err)
	assert.NotEqual(t, pw, other)
}
