// Package modelclaims provides types for token authorization.
package modelclaims

import "github.com/golang-jwt/jwt"

// UserClaims carries the authenticated principal of an access token.
type UserClaims struct {
	UserID string `json:"userID"`
	Login  string `json:"login"`
	jwt.StandardClaims
}
