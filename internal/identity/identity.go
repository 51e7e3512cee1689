// Package identity turns bearer tokens into principals.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/issm/issm/internal/authz"
)

var ErrInvalidToken = errors.New("invalid token")

type Issuer struct {
	secret []byte
	expiry time.Duration
}

func NewIssuer(secret string, expiry time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), expiry: expiry}
}

func (i *Issuer) Issue(p authz.Principal) (string, error) {
	if p.UserID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidToken)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":         p.UserID,
		"technical_admin": p.TechnicalAdmin,
		"exp":             now.Add(i.expiry).Unix(),
		"iat":             now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(i.secret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func (i *Issuer) Verify(tokenString string) (authz.Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return authz.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return authz.Principal{}, ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return authz.Principal{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	admin, _ := claims["technical_admin"].(bool)

	return authz.Principal{UserID: userID, TechnicalAdmin: admin}, nil
}
