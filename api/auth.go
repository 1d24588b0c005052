/*
auth.go - Caller identity from bearer tokens

PURPOSE:
  Tokens are issued by the external auth service. This package only verifies
  them (HS256, shared secret) and exposes the caller's id and role to
  handlers. Role gates mirror the back-office rules: admin and staff record
  payments; clients only read their own data.

TOKEN CLAIMS:
  sub   caller id (a client id when role is "client")
  role  admin | staff | client
  exp   required
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/credit-ledger/ledger"
)

type contextKey string

const (
	identityKey  contextKey = "identity"
	bearerSchema            = "Bearer "
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   ledger.Role
}

// Owns reports whether the caller is the given client.
func (id Identity) Owns(clientID ledger.ClientID) bool {
	return id.Role == ledger.RoleClient && id.UserID == string(clientID)
}

// Staff reports whether the caller works the back office.
func (id Identity) Staff() bool {
	return id.Role == ledger.RoleAdmin || id.Role == ledger.RoleStaff
}

// Claims are the JWT claims the ledger understands.
type Claims struct {
	Role ledger.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for the given caller. The production issuer is
// the auth service; this is used by tests and the CLI.
func (a *Authenticator) IssueToken(userID string, role ledger.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.ExpiresAt == nil {
		return Identity{}, errors.New("token has no expiry")
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return Identity{}, errors.New("token is missing subject or role")
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerSchema) {
			writeError(w, http.StatusUnauthorized, KindUnauthenticated, "Missing bearer token", nil)
			return
		}
		id, err := a.Verify(strings.TrimPrefix(header, bearerSchema))
		if err != nil {
			writeError(w, http.StatusUnauthorized, KindUnauthenticated, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRoles only lets the listed roles through.
func RequireRoles(roles ...ledger.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, KindUnauthenticated, "Not authenticated", nil)
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, KindPermissionDenied,
				fmt.Sprintf("Role %s may not access this resource", id.Role), nil)
		})
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
