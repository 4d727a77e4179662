// Package session resolves the current user from an identity token.
//
// Tokens are JWTs whose "sub" claim is the user id and whose optional
// "email" claim seeds the default profile. With a signing secret the
// token is verified (HS256); without one it is parsed unverified, which
// is only suitable for local development.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/roach88/animeboard/internal/model"
)

// DefaultBio is given to profiles created on first sign-in.
const DefaultBio = "New anime enthusiast"

// DefaultAvatarURL is the placeholder avatar for new profiles.
const DefaultAvatarURL = "https://api.dicebear.com/7.x/thumbs/svg"

// ErrNoSubject is returned for tokens without a "sub" claim.
var ErrNoSubject = errors.New("token has no subject")

// Identity is the authenticated user.
type Identity struct {
	UserID string
	Email  string
}

type claims struct {
	Email string `json:"email,omitempty"`
	gojwt.RegisteredClaims
}

// Parse extracts the identity from token. An empty secret skips signature
// verification.
func Parse(token string, secret []byte) (Identity, error) {
	var c claims
	var err error
	if len(secret) == 0 {
		_, _, err = gojwt.NewParser().ParseUnverified(token, &c)
	} else {
		_, err = gojwt.ParseWithClaims(token, &c, func(t *gojwt.Token) (any, error) {
			return secret, nil
		}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	}
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if c.Subject == "" {
		return Identity{}, ErrNoSubject
	}
	return Identity{UserID: c.Subject, Email: c.Email}, nil
}

// Issue signs a token for id. ttl <= 0 issues a token without expiry.
func Issue(id Identity, secret []byte, now time.Time, ttl time.Duration) (string, error) {
	c := claims{
		Email: id.Email,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Username derives a username from the local part of the email, falling
// back to the user id.
func (id Identity) Username() string {
	if at := strings.IndexByte(id.Email, '@'); at > 0 {
		return id.Email[:at]
	}
	return id.UserID
}

// DefaultProfile is the profile created when the user has none.
func (id Identity) DefaultProfile(now time.Time) model.Profile {
	return model.Profile{
		ID:        id.UserID,
		Username:  id.Username(),
		AvatarURL: DefaultAvatarURL,
		Bio:       DefaultBio,
		CreatedAt: now,
	}
}
