package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/types"
)

var ErrInvalidCredentials = errors.New("invalid username or secret")

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	DefaultTokenExp = time.Hour * 24
)

// CredentialStore verifies and creates user credentials. The hashing
// scheme is an implementation detail behind this interface.
type CredentialStore interface {
	Verify(username, secret string) (types.User, error)
	Create(username, secret, nickname string) (types.User, error)
}

// BcryptStore is a CredentialStore backed by the user table with
// bcrypt-hashed secrets.
type BcryptStore struct {
	db database.Repository
}

func NewBcryptStore(db database.Repository) *BcryptStore {
	return &BcryptStore{db: db}
}

func (s *BcryptStore) Verify(username, secret string) (types.User, error) {
	account, err := s.db.GetAccountByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrInvalidCredentials
		}
		return types.User{}, fmt.Errorf("get account: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(secret)) != nil {
		return types.User{}, ErrInvalidCredentials
	}

	return accountToUser(account), nil
}

func (s *BcryptStore) Create(username, secret, nickname string) (types.User, error) {
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return types.User{}, fmt.Errorf("hash secret: %w", err)
	}

	account, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:   username,
		SecretHash: string(secretHash),
		Nickname:   nickname,
	})
	if err != nil {
		return types.User{}, fmt.Errorf("create account: %w", err)
	}

	return accountToUser(account), nil
}

func accountToUser(a database.Account) types.User {
	return types.User{
		Id:        a.Id,
		Username:  a.Username,
		Nickname:  a.Nickname,
		Status:    a.Status,
		LastLogin: a.LastLogin,
	}
}

// TokenIssuer signs and verifies session resume tokens.
type TokenIssuer struct {
	signingKey []byte
	exp        time.Duration
}

func NewTokenIssuer(signingKey []byte) *TokenIssuer {
	return &TokenIssuer{signingKey: signingKey, exp: DefaultTokenExp}
}

func (ti *TokenIssuer) Issue(userId int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(ti.exp).Unix(),
	})

	return token.SignedString(ti.signingKey)
}

func (ti *TokenIssuer) Verify(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return ti.signingKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid user id claim")
	}

	return int64(userId), nil
}
