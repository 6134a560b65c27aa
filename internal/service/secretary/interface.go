// Package secretary provides access token and password hashing functionality.
package secretary

import "github.com/danilovkiri/dk-go-smsbroker/internal/models/modelclaims"

// Secretary defines a set of methods for types implementing Secretary.
type Secretary interface {
	HashPassword(password string) (string, error)
	ComparePassword(hash, password string) bool
	NewToken(userID, login string) (string, error)
	ValidateToken(accessToken string) (*modelclaims.UserClaims, error)
}
