package secretary

import (
	"errors"
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelclaims"
	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

var _ Secretary = (*JWTSecretary)(nil)

// JWTSecretary signs HS256 access tokens and hashes passwords with bcrypt.
type JWTSecretary struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSecretaryService initializes a secretary service.
func NewSecretaryService(c *config.SecretConfig) (*JWTSecretary, error) {
	if c.SecretKey == "" {
		return nil, errors.New("empty secret key")
	}
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTSecretary{key: []byte(c.SecretKey), ttl: ttl, now: time.Now}, nil
}

func (s *JWTSecretary) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *JWTSecretary) ComparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *JWTSecretary) NewToken(userID, login string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &modelclaims.UserClaims{
		UserID: userID,
		Login:  login,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
	})
	return token.SignedString(s.key)
}

func (s *JWTSecretary) ValidateToken(accessToken string) (*modelclaims.UserClaims, error) {
	token, err := jwt.ParseWithClaims(accessToken, &modelclaims.UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*modelclaims.UserClaims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid access token")
}
