package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const tokenAudience = "boardsync"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// TokenClaims is what a relay access token asserts about its bearer.
type TokenClaims struct {
	WorkspaceID string
	UserID      string
	UserName    string
	Exp         int64
}

// MintToken issues an HS256 token for one workspace. The relay doubles as
// the credential issuer in single-node deployments.
func MintToken(secret string, claims TokenClaims) (string, error) {
	if claims.WorkspaceID == "" || claims.UserID == "" {
		return "", errors.New("workspace and user are required")
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"workspace_id": claims.WorkspaceID,
		"user_id":      claims.UserID,
		"user_name":    claims.UserName,
		"aud":          tokenAudience,
		"exp":          claims.Exp,
	})
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToken checks an HS256 token's signature, audience, and expiry, and
// that it grants the requested workspace.
func VerifyToken(token, secret, workspaceID string, now time.Time) (TokenClaims, error) {
	claims, err := parseToken(token, secret, now)
	if err != nil {
		return TokenClaims{}, err
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return TokenClaims{}, fmt.Errorf("workspace mismatch: %w", ErrForbidden)
	}
	return claims, nil
}

func parseToken(raw, secret string, now time.Time) (TokenClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return TokenClaims{}, unauthorized("invalid token format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, unauthorized("invalid token header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return TokenClaims{}, unauthorized("invalid token header")
	}
	if header.Alg != "HS256" {
		return TokenClaims{}, unauthorized("unsupported token algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, unauthorized("invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, unauthorized("invalid token signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return TokenClaims{}, unauthorized("token signature mismatch")
	}

	var payload struct {
		WorkspaceID string `json:"workspace_id"`
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
		Aud         string `json:"aud"`
		Exp         int64  `json:"exp"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return TokenClaims{}, unauthorized("invalid token payload")
	}
	if payload.WorkspaceID == "" {
		return TokenClaims{}, unauthorized("missing workspace_id claim")
	}
	if payload.UserID == "" {
		return TokenClaims{}, unauthorized("missing user_id claim")
	}
	if payload.Aud != tokenAudience {
		return TokenClaims{}, unauthorized("invalid aud claim")
	}
	if now.Unix() >= payload.Exp {
		return TokenClaims{}, unauthorized("token expired")
	}

	return TokenClaims{
		WorkspaceID: payload.WorkspaceID,
		UserID:      payload.UserID,
		UserName:    payload.UserName,
		Exp:         payload.Exp,
	}, nil
}

func unauthorized(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnauthorized)
}
