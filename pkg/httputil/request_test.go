package httputil

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a@b.c","bogus":1}`))

	var dest struct {
		Email string `json:"email"`
	}
	err := ParseJSON(rec, req, &dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a@b.c"}`))

	var dest struct {
		Email string `json:"email"`
	}
	require.NoError(t, ParseJSON(rec, req, &dest))
	assert.Equal(t, "a@b.c", dest.Email)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:41000"
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, BearerToken(req))

	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", BearerToken(req))

	req.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Empty(t, BearerToken(req))
}

func TestQueryTime(t *testing.T) {
	req := httptest.NewRequest("GET", "/?from=2026-03-10T08:00:00Z", nil)
	got, err := QueryTime(req, "from")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())

	zero, err := QueryTime(req, "to")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	req = httptest.NewRequest("GET", "/?from=yesterday", nil)
	_, err = QueryTime(req, "from")
	assert.Error(t, err)
}
