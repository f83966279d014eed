// Package auth verifies the bearer tokens issued to administrators. A token
// only identifies its subject; it carries no permissions.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Audience is stamped on every token so tokens minted for another service
// sharing the secret are refused.
const Audience = "servicedesk-admin"

// Claims identify the request owner. Email becomes the reply-to address of
// review notifications, so it is normalised on the way in and out.
type Claims struct {
	Sub   string `json:"sub"`
	Aud   string `json:"aud"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Exp   int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs claims as base64url(json) "." base64url(hmac-sha256).
func IssueToken(secret []byte, claims Claims) (string, error) {
	if claims.Aud == "" {
		claims.Aud = Audience
	}
	email, err := normalizeEmail(claims.Email)
	if err != nil {
		return "", fmt.Errorf("claims email: %w", err)
	}
	claims.Email = email
	claims.Name = strings.TrimSpace(claims.Name)

	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac(secret, payload)), nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || !hmac.Equal(sig, mac(secret, payload)) {
		return Claims{}, ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.validate(time.Now()); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (c *Claims) validate(now time.Time) error {
	if strings.TrimSpace(c.Sub) == "" || c.Exp == 0 || c.Aud != Audience {
		return ErrInvalidToken
	}
	email, err := normalizeEmail(c.Email)
	if err != nil {
		return ErrInvalidToken
	}
	c.Email = email
	if now.Unix() >= c.Exp {
		return ErrExpiredToken
	}
	return nil
}

// normalizeEmail accepts a bare address and lowercases it. Display-name forms
// are rejected since the value is later written into a mail header.
func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Name != "" || addr.Address != raw {
		return "", fmt.Errorf("invalid email %q", raw)
	}
	return strings.ToLower(addr.Address), nil
}

func mac(secret []byte, payload string) []byte {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(payload))
	return h.Sum(nil)
}
