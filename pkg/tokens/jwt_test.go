package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/aegis/pkg/apperr"
)

func testIdentity() Identity {
	return Identity{
		AccountID:       "acct-1",
		TenantID:        "tenant-1",
		Role:            "teacher",
		AdditionalRoles: []string{"department_head"},
		Email:           "teacher@example.edu",
	}
}

func TestJWTSignAndVerify(t *testing.T) {
	signer := NewJWTSigner("secret", "aegis", 15*time.Minute)
	now := time.Now()

	raw, expiresAt, err := signer.Sign(testIdentity(), now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(15*time.Minute), expiresAt, time.Second)

	got, err := signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, testIdentity(), got)
}

func TestJWTVerifyExpired(t *testing.T) {
	signer := NewJWTSigner("secret", "aegis", time.Minute)

	raw, _, err := signer.Sign(testIdentity(), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = signer.Verify(raw)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeFor(err))
}

func TestJWTVerifyWrongSecret(t *testing.T) {
	signer := NewJWTSigner("secret", "aegis", time.Minute)
	other := NewJWTSigner("different", "aegis", time.Minute)

	raw, _, err := signer.Sign(testIdentity(), time.Now())
	require.NoError(t, err)

	_, err = other.Verify(raw)
	assert.Error(t, err)
}

func TestJWTVerifyWrongIssuer(t *testing.T) {
	signer := NewJWTSigner("secret", "someone-else", time.Minute)
	verifier := NewJWTSigner("secret", "aegis", time.Minute)

	raw, _, err := signer.Sign(testIdentity(), time.Now())
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	assert.Error(t, err)
}

func TestJWTVerifyGarbage(t *testing.T) {
	signer := NewJWTSigner("secret", "aegis", time.Minute)

	_, err := signer.Verify("not.a.token")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeFor(err))
}
