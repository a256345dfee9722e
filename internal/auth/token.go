package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/messmenu/internal/model"
)

const (
	magicLinkAudience = "messmenu:magic-link"
	identityAudience  = "messmenu:identity"
	tokenIssuer       = "messmenu"
)

// ErrTokenExpired はトークンの有効期限切れを表す。
var ErrTokenExpired = errors.New("token expired")

// MagicLinkClaims はマジックリンクのトークンに含めるクレーム。
// IDは台帳（magic_links）の行IDと一致する。
type MagicLinkClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityClaims は表示用の本人情報トークンのクレーム。認可判定には使わない。
type IdentityClaims struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer はHS256で署名したトークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret []byte, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: secret, now: now}
}

// IssueMagicLink はマジックリンク用のトークンを発行する。
func (t *TokenIssuer) IssueMagicLink(linkID, email string, expiresAt time.Time) (string, error) {
	claims := MagicLinkClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        linkID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{magicLinkAudience},
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return t.sign(claims)
}

// ParseMagicLink はマジックリンクのトークンを検証する。
// 有効期限切れの場合はErrTokenExpiredをラップして返す。
func (t *TokenIssuer) ParseMagicLink(raw string) (*MagicLinkClaims, error) {
	claims := &MagicLinkClaims{}
	if err := t.parse(raw, claims, magicLinkAudience); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.Email == "" {
		return nil, fmt.Errorf("magic link token missing id or email")
	}
	return claims, nil
}

// LooksLikeMagicLink は署名が正しいマジックリンクのトークンかを返す。
// 有効期限は判定しない。
func (t *TokenIssuer) LooksLikeMagicLink(raw string) bool {
	claims := &MagicLinkClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return false
	}
	for _, aud := range claims.Audience {
		if aud == magicLinkAudience {
			return true
		}
	}
	return false
}

// IssueIdentity は表示用の本人情報トークンを発行する。
func (t *TokenIssuer) IssueIdentity(p *model.UserProfile, ttl time.Duration) (string, error) {
	now := t.now()
	claims := IdentityClaims{
		Email:       p.Email,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{identityAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return t.sign(claims)
}

// ParseIdentity は表示用の本人情報トークンを検証する。
func (t *TokenIssuer) ParseIdentity(raw string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	if err := t.parse(raw, claims, identityAudience); err != nil {
		return nil, err
	}
	return claims, nil
}

func (t *TokenIssuer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) parse(raw string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(raw, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

func (t *TokenIssuer) keyFunc(*jwt.Token) (interface{}, error) {
	return t.secret, nil
}
