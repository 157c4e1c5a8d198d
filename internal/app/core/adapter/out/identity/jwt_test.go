package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

func TestJWTResolver(t *testing.T) {
	ctx := context.Background()
	r, err := NewJWTResolver("secret", "ledger")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	user, _ := r.IssueToken("alice", "", time.Hour)
	system, _ := r.IssueToken("payments", RoleSystem, time.Hour)
	expired, _ := r.IssueToken("alice", "", -time.Minute)

	other, _ := NewJWTResolver("other-secret", "ledger")
	forged, _ := other.IssueToken("alice", RoleSystem, time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "ledger"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		token   string
		want    domain.Caller
		wantErr error
	}{
		{"bearer user", "Bearer " + user, domain.Caller{AccountID: "alice"}, nil},
		{"raw token", user, domain.Caller{AccountID: "alice"}, nil},
		{"system role", "Bearer " + system, domain.Caller{AccountID: "payments", System: true}, nil},
		{"empty", "", domain.Caller{}, domain.ErrUnauthenticated},
		{"expired", "Bearer " + expired, domain.Caller{}, domain.ErrUnauthenticated},
		{"wrong secret", "Bearer " + forged, domain.Caller{}, domain.ErrUnauthenticated},
		{"alg none", "Bearer " + unsigned, domain.Caller{}, domain.ErrUnauthenticated},
		{"garbage", "Bearer abc.def", domain.Caller{}, domain.ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveIdentity(ctx, tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("caller = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewJWTResolverRequiresSecret(t *testing.T) {
	if _, err := NewJWTResolver("", ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDirectory([]string{"alice"})
	if ok, _ := d.AccountExists(ctx, "alice"); !ok {
		t.Fatal("alice must exist")
	}
	if ok, _ := d.AccountExists(ctx, "bob"); ok {
		t.Fatal("bob must not exist")
	}
	if ok, _ := (OpenDirectory{}).AccountExists(ctx, "bob"); !ok {
		t.Fatal("open directory accepts any id")
	}
}
