// Package auth verifies FTP login credentials against the configured
// account.
package auth

import (
	"crypto/subtle"
	"errors"

	"github.com/docdrop/ftpbridge/pkg/config"
	"github.com/docdrop/ftpbridge/pkg/utils"
)

// ErrInvalidCredentials is returned for any username/password mismatch
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator validates a username/password pair
type Authenticator interface {
	Authenticate(username, password string) error
}

// StaticAuthenticator checks against the single account from config.
// The password may be supplied as plain text or as a bcrypt hash; the
// hash takes precedence when both are set.
type StaticAuthenticator struct {
	username     string
	password     string
	passwordHash string
}

// NewStaticAuthenticator creates an authenticator from config
func NewStaticAuthenticator(cfg *config.FTPConfig) *StaticAuthenticator {
	return &StaticAuthenticator{
		username:     cfg.Username,
		password:     cfg.Password,
		passwordHash: cfg.PasswordHash,
	}
}

// Authenticate verifies the given credentials
func (a *StaticAuthenticator) Authenticate(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1

	var passOK bool
	if a.passwordHash != "" {
		passOK = utils.CheckPassword(password, a.passwordHash)
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	}

	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}
