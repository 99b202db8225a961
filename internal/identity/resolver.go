package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"interview-agent/internal/domain"
)

var (
	// ErrNoIdentity reports that neither an authenticated user nor an invite
	// token was present on the request.
	ErrNoIdentity = errors.New("identity: no resolvable identity")
	// ErrInvalidToken reports an invite token that failed signature, shape,
	// or expiry validation.
	ErrInvalidToken = errors.New("identity: invalid invite token")
	// ErrFormMismatch reports an invite token bound to a different form than
	// the one being accessed.
	ErrFormMismatch = errors.New("identity: invite token bound to another form")
)

// RequestContext carries the ambient identity material extracted by the
// transport layer: the authenticated user id from the authorizer, if any,
// and the raw invite token header, if any.
type RequestContext struct {
	UserID      string
	InviteToken string
}

// KeyProvider supplies the HMAC key invite tokens are signed with.
// The SSM-backed paramstore client satisfies this in production wiring.
type KeyProvider interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// inviteClaims is the expected invite token payload: the invite id in sub
// and the bound form id in form, plus standard expiry.
type inviteClaims struct {
	FormID string `json:"form"`
	jwt.RegisteredClaims
}

// Resolver maps an inbound request to exactly one respondent identity for
// one form: an authenticated user id, or an invite id recovered from a
// signed short-lived token.
type Resolver struct {
	keys      KeyProvider
	paramName string

	keyOnce sync.Once
	key     []byte
	keyErr  error
}

// NewResolver creates a Resolver that loads the invite signing key from the
// given parameter name on first use.
func NewResolver(keys KeyProvider, paramName string) (*Resolver, error) {
	if keys == nil {
		return nil, errors.New("identity: key provider must not be nil")
	}
	paramName = strings.TrimSpace(paramName)
	if paramName == "" {
		return nil, errors.New("identity: signing key parameter name must not be empty")
	}
	return &Resolver{keys: keys, paramName: paramName}, nil
}

// Resolve returns the caller's identity for the given form. An authenticated
// user wins over an invite token; with neither, ErrNoIdentity is returned.
func (r *Resolver) Resolve(ctx context.Context, rc RequestContext, formID string) (domain.Identity, error) {
	if userID := strings.TrimSpace(rc.UserID); userID != "" {
		return domain.Identity{UserID: userID}, nil
	}
	token := strings.TrimSpace(rc.InviteToken)
	if token == "" {
		return domain.Identity{}, ErrNoIdentity
	}

	key, err := r.signingKey(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity: load signing key: %w", err)
	}

	claims := &inviteClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	inviteID := strings.TrimSpace(claims.Subject)
	if inviteID == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.FormID != formID {
		return domain.Identity{}, ErrFormMismatch
	}
	return domain.Identity{InviteID: inviteID}, nil
}

// signingKey fetches the HMAC key on the first call and reuses the cached
// result for the lifetime of the process.
func (r *Resolver) signingKey(ctx context.Context) ([]byte, error) {
	r.keyOnce.Do(func() {
		raw, err := r.keys.GetParameter(ctx, r.paramName)
		if err != nil {
			r.keyErr = err
			return
		}
		if strings.TrimSpace(raw) == "" {
			r.keyErr = errors.New("identity: signing key parameter is empty")
			return
		}
		r.key = []byte(raw)
	})
	return r.key, r.keyErr
}
