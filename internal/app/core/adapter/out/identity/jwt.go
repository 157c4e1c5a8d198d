package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// RoleSystem 系統呼叫者 (獎勵入帳、提領結算) 的角色
const RoleSystem = "system"

// Claims ledger 使用的 JWT claims，sub 為帳戶 ID
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver 驗證 HS256 簽章的 bearer token
type JWTResolver struct {
	secret []byte
	issuer string
}

func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is not set")
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}, nil
}

// ResolveIdentity 接受 "Bearer <token>" 或純 token
func (r *JWTResolver) ResolveIdentity(ctx context.Context, token string) (domain.Caller, error) {
	token = strings.TrimSpace(token)
	if scheme, rest, ok := strings.Cut(token, " "); ok && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return domain.Caller{}, domain.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return domain.Caller{}, domain.ErrUnauthenticated
	}

	if claims.Role == RoleSystem {
		return domain.Caller{AccountID: claims.Subject, System: true}, nil
	}
	if claims.Subject == "" {
		return domain.Caller{}, domain.ErrUnauthenticated
	}
	return domain.Caller{AccountID: claims.Subject}, nil
}

// IssueToken 簽發 token，供測試與內部工具 (壓測 client) 使用
func (r *JWTResolver) IssueToken(accountID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

var _ usecase.IdentityResolver = (*JWTResolver)(nil)
