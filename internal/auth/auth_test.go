package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdrop/ftpbridge/pkg/config"
	"github.com/docdrop/ftpbridge/pkg/utils"
)

func TestStaticAuthenticatorPlaintext(t *testing.T) {
	a := NewStaticAuthenticator(&config.FTPConfig{
		Username: "scanner",
		Password: "secret",
	})

	tests := []struct {
		name     string
		username string
		password string
		wantOK   bool
	}{
		{name: "correct", username: "scanner", password: "secret", wantOK: true},
		{name: "wrong password", username: "scanner", password: "wrong", wantOK: false},
		{name: "wrong username", username: "admin", password: "secret", wantOK: false},
		{name: "both wrong", username: "admin", password: "wrong", wantOK: false},
		{name: "empty", username: "", password: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authenticate(tt.username, tt.password)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
			}
		})
	}
}

func TestStaticAuthenticatorBcrypt(t *testing.T) {
	hash, err := utils.HashPassword("secret", 4)
	require.NoError(t, err)

	a := NewStaticAuthenticator(&config.FTPConfig{
		Username:     "scanner",
		PasswordHash: hash,
	})

	assert.NoError(t, a.Authenticate("scanner", "secret"))
	assert.ErrorIs(t, a.Authenticate("scanner", "wrong"), ErrInvalidCredentials)
}

func TestStaticAuthenticatorHashTakesPrecedence(t *testing.T) {
	hash, err := utils.HashPassword("hashed", 4)
	require.NoError(t, err)

	a := NewStaticAuthenticator(&config.FTPConfig{
		Username:     "scanner",
		Password:     "plain",
		PasswordHash: hash,
	})

	assert.NoError(t, a.Authenticate("scanner", "hashed"))
	assert.ErrorIs(t, a.Authenticate("scanner", "plain"), ErrInvalidCredentials)
}
