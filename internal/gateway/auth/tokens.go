package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// Token types carried in the typ claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload of access and refresh tokens
type Claims struct {
	jwt.RegisteredClaims
	Tier    models.Tier `json:"tier"`
	Version int         `json:"ver"`
	Type    string      `json:"typ"`
}

// TokenPair is returned by Register and Refresh
type TokenPair struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	Tier         models.Tier `json:"tier"`
}

func (s *Service) sign(d *models.Device, version int, typ string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Tier:    d.Tier,
		Version: version,
		Type:    typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) issuePair(d *models.Device, version int) (*TokenPair, error) {
	now := s.now()
	access, err := s.sign(d, version, TokenTypeAccess, s.opts.AccessTTL, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := s.sign(d, version, TokenTypeRefresh, s.opts.RefreshTTL, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.opts.AccessTTL.Seconds()),
		Tier:         d.Tier,
	}, nil
}

// parse validates signature, expiry and token type
func (s *Service) parse(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.CodeTokenExpired, "token expired", err)
		}
		return nil, apperr.Wrap(apperr.CodeInvalidToken, "invalid token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.CodeInvalidToken, "invalid token")
	}
	if claims.Type != wantType {
		return nil, apperr.New(apperr.CodeInvalidToken, "wrong token type")
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.CodeInvalidToken, "token has no subject")
	}
	return claims, nil
}
