// Package auth issues and checks the bearer tokens that guard the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
	ErrBadSecret    = errors.New("auth: client secret rejected")
	ErrNoSecret     = errors.New("auth: jwt secret not configured")
)

const issuer = "keyledger"

// Claims identifies an API client.
type Claims struct {
	Client string `json:"client"`
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 tokens.
type Issuer struct {
	secret     []byte
	expiry     time.Duration
	secretHash string
	now        func() time.Time
}

// NewIssuer builds an Issuer. clientSecretHash is the bcrypt hash that token requests must match.
func NewIssuer(secret string, expiry time.Duration, clientSecretHash string) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Issuer{
		secret:     []byte(secret),
		expiry:     expiry,
		secretHash: strings.TrimSpace(clientSecretHash),
		now:        time.Now,
	}, nil
}

// Exchange checks the client secret and returns a signed token.
func (i *Issuer) Exchange(client, clientSecret string) (string, time.Time, error) {
	if i.secretHash == "" || !CheckSecret(clientSecret, i.secretHash) {
		return "", time.Time{}, ErrBadSecret
	}
	return i.Issue(client)
}

// Issue signs a token for client.
func (i *Issuer) Issue(client string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.expiry)
	claims := &Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse validates a token and returns its claims.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashSecret hashes a client secret with bcrypt.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(b), err
}

// CheckSecret compares a client secret with its bcrypt hash.
func CheckSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
