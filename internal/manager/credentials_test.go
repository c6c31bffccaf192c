package manager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "loanflow/pkg/domain-errors"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hash)

	require.NoError(t, Verify("s3cret-pass", hash))
	err = Verify("wrong", hash)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestHash_Rejects(t *testing.T) {
	_, err := Hash("")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = Hash(strings.Repeat("x", 80))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestCredentials_Authenticate(t *testing.T) {
	creds, err := NewCredentials("manager", "manager123")
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		ok       bool
	}{
		{name: "valid", username: "manager", password: "manager123", ok: true},
		{name: "wrong password", username: "manager", password: "nope"},
		{name: "wrong username", username: "admin", password: "manager123"},
		{name: "empty", username: "", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := creds.Authenticate(tt.username, tt.password)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
			assert.Equal(t, msgInvalidCredentials, err.Error())
		})
	}
}

func TestNewCredentials_RequiresUsername(t *testing.T) {
	_, err := NewCredentials("", "pw")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
