package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modeldto"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
	"github.com/google/uuid"
)

var errBadCredentials = &serviceErrors.UnauthorizedError{Msg: "invalid username or password"}

// GetUserID retrieves the user identifier from an access token.
func (proc *Processor) GetUserID(accessToken string) (string, error) {
	claims, err := proc.secretary.ValidateToken(accessToken)
	if err != nil {
		return "", &serviceErrors.UnauthorizedError{Msg: "invalid or expired access token"}
	}
	return claims.UserID, nil
}

// AddNewUser registers a user with the default quota and returns an access token.
func (proc *Processor) AddNewUser(ctx context.Context, credentials modeldto.Credentials) (*modeldto.AuthResponse, error) {
	hash, err := proc.secretary.HashPassword(credentials.Password)
	if err != nil {
		return nil, err
	}
	user := modelstorage.UserStorageEntry{
		UserID:       uuid.New().String(),
		Login:        credentials.Login,
		Password:     hash,
		RegisteredAt: proc.now().UTC(),
	}
	if err := proc.storage.AddNewUser(ctx, user, proc.defaultQuota); err != nil {
		return nil, serviceErrors.FromStorage(err, fmt.Sprintf("user %s", credentials.Login))
	}
	proc.log.Info().Str("user_id", user.UserID).Msg(fmt.Sprintf("user %s registered", user.Login))
	return proc.authResponse(user.UserID, user.Login)
}

// LoginUser checks credentials and returns a fresh access token.
func (proc *Processor) LoginUser(ctx context.Context, credentials modeldto.Credentials) (*modeldto.AuthResponse, error) {
	user, err := proc.storage.GetUserByLogin(ctx, credentials.Login)
	if err != nil {
		var notFound *storageErrors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, errBadCredentials
		}
		return nil, err
	}
	if !proc.secretary.ComparePassword(user.Password, credentials.Password) {
		return nil, errBadCredentials
	}
	return proc.authResponse(user.UserID, user.Login)
}

func (proc *Processor) authResponse(userID, login string) (*modeldto.AuthResponse, error) {
	token, err := proc.secretary.NewToken(userID, login)
	if err != nil {
		return nil, err
	}
	return &modeldto.AuthResponse{
		Token: token,
		User:  modeldto.User{ID: userID, Username: login},
	}, nil
}

// GetMe returns the user profile together with quota counters.
func (proc *Processor) GetMe(ctx context.Context, userID string) (*modeldto.MeResponse, error) {
	user, err := proc.storage.GetUserByID(ctx, userID)
	if err != nil {
		return nil, serviceErrors.FromStorage(err, "user")
	}
	balance, err := proc.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &modeldto.MeResponse{
		User:  modeldto.User{ID: user.UserID, Username: user.Login},
		Quota: modeldto.Quota{Allowed: balance.Allowed, Used: balance.Used},
	}, nil
}
