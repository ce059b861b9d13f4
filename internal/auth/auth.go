package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Plans accounts can hold. AI analysis is gated on PlanPro and PlanTeam.
const (
	PlanFree = "free"
	PlanPro  = "pro"
	PlanTeam = "team"
)

var ErrMissingToken = errors.New("missing API token")
var ErrInvalidToken = errors.New("invalid API token")

// Identity is an authenticated account. A nil Identity means the request is
// from a guest session.
type Identity struct {
	UserID string
	Email  string
	Plan   string
}

// CanUseAI reports whether the account's plan includes AI step analysis.
func (i *Identity) CanUseAI() bool {
	if i == nil {
		return false
	}
	switch i.Plan {
	case PlanPro, PlanTeam:
		return true
	}
	return false
}

type KeyConfig struct {
	UserID    string
	Email     string
	Plan      string
	Token     string
	TokenHash string
}

type Options struct {
	Enabled bool
	Keys    []KeyConfig
}

// Verifier resolves bearer tokens to identities. Tokens are held as SHA-256
// hashes so a config dump never leaks usable credentials.
type Verifier struct {
	enabled bool
	keys    map[string]*Identity
}

func NewVerifier(options Options) (*Verifier, error) {
	verifier := &Verifier{
		enabled: options.Enabled,
		keys:    map[string]*Identity{},
	}
	if !options.Enabled {
		return verifier, nil
	}
	if len(options.Keys) == 0 {
		return nil, errors.New("auth is enabled but no API tokens are configured")
	}

	for _, key := range options.Keys {
		tokenHash := strings.ToLower(strings.TrimSpace(key.TokenHash))
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, errors.New("API token cannot be empty")
			}
			tokenHash = hashToken(token)
		}
		if _, exists := verifier.keys[tokenHash]; exists {
			return nil, errors.New("duplicate API token in auth config")
		}

		userID := strings.TrimSpace(key.UserID)
		if userID == "" {
			return nil, errors.New("API token is missing a user id")
		}
		plan := strings.ToLower(strings.TrimSpace(key.Plan))
		if plan == "" {
			plan = PlanFree
		}
		switch plan {
		case PlanFree, PlanPro, PlanTeam:
		default:
			return nil, errors.New("unknown plan " + plan)
		}

		verifier.keys[tokenHash] = &Identity{
			UserID: userID,
			Email:  strings.TrimSpace(key.Email),
			Plan:   plan,
		}
	}

	return verifier, nil
}

func (v *Verifier) Enabled() bool {
	return v != nil && v.enabled
}

// Authenticate resolves the request's bearer token. With auth disabled every
// request resolves to a single local account on the team plan, which keeps
// self-hosted single-user deployments fully functional without token setup.
func (v *Verifier) Authenticate(r *http.Request) (*Identity, error) {
	if !v.Enabled() {
		return &Identity{UserID: "local", Plan: PlanTeam}, nil
	}

	token := bearerToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	identity, ok := v.keys[hashToken(token)]
	if !ok {
		return nil, ErrInvalidToken
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type contextKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFrom returns the identity attached to the context, or nil for
// guest requests.
func IdentityFrom(ctx context.Context) *Identity {
	identity, _ := ctx.Value(contextKey{}).(*Identity)
	return identity
}
