package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardflow/crypto"
)

func TestIssueToken(t *testing.T) {
	addr := crypto.FromRaw([20]byte{0x01})
	secret := []byte("s3cret")
	now := time.Now()

	token, err := issueToken(secret, addr.Hex(), "guardflow", "ops", time.Hour, now)
	require.NoError(t, err)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) { return secret, nil })
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	sub, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, addr.String(), sub)
	iss, _ := claims.GetIssuer()
	assert.Equal(t, "guardflow", iss)

	_, err = issueToken(secret, "nope", "", "", time.Hour, now)
	assert.Error(t, err)
	_, err = issueToken(secret, addr.Hex(), "", "", 0, now)
	assert.Error(t, err)
}

func TestRunAddress(t *testing.T) {
	addr := crypto.FromRaw([20]byte{0xAB, 0xCD})
	var out bytes.Buffer
	require.NoError(t, runAddress([]string{addr.Hex()}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, addr.String(), lines[0])
	assert.Equal(t, addr.Hex(), lines[1])

	assert.Error(t, runAddress(nil, &out))
}

func TestParseDigest(t *testing.T) {
	_, err := parseDigest("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	_, err = parseDigest("0x1234")
	assert.Error(t, err)
	_, err = parseDigest("zz")
	assert.Error(t, err)
}
