// Package access routes trace operations between the remote backend and the
// local guest store. A session with no identity works entirely against the
// guest store; an authenticated session works against the backend, with a
// one-way fallback to guest mode when the backend cannot accept an upload.
package access

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agenttrace/agenttrace/internal/auth"
	"github.com/agenttrace/agenttrace/internal/client"
	"github.com/agenttrace/agenttrace/internal/gueststore"
	"github.com/agenttrace/agenttrace/internal/trace"
)

// Scope names where an operation was served from.
type Scope string

const (
	ScopeRemote Scope = "remote"
	ScopeGuest  Scope = "guest"
)

// Remote is the backend surface the router needs. *client.Client satisfies it.
type Remote interface {
	UploadTrace(ctx context.Context, raw []byte) (*trace.Trace, error)
	GetTrace(ctx context.Context, id string) (*trace.Trace, error)
	ListTraces(ctx context.Context) ([]*trace.Trace, error)
	Search(ctx context.Context, query string) ([]trace.SearchResult, error)
}

type Router struct {
	remote Remote
	guest  *gueststore.Store
	logger *slog.Logger

	mu       sync.RWMutex
	identity *auth.Identity
}

func NewRouter(remote Remote, guest *gueststore.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if guest == nil {
		guest = gueststore.New(0)
	}
	return &Router{
		remote: remote,
		guest:  guest,
		logger: logger,
	}
}

// SetIdentity switches the session's identity. Passing nil drops to guest
// mode; traces already held in the guest store stay reachable either way.
func (r *Router) SetIdentity(identity *auth.Identity) {
	r.mu.Lock()
	r.identity = identity
	r.mu.Unlock()
}

// Identity returns the session's current identity, nil for guests.
func (r *Router) Identity() *auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

func (r *Router) authenticated() bool {
	return r.Identity() != nil
}

// Guest exposes the session's guest store.
func (r *Router) Guest() *gueststore.Store {
	return r.guest
}

// Upload ingests a raw agent log. Authenticated sessions upload to the
// backend; when the backend is unavailable the log is parsed locally and
// held in the guest store instead, and the returned scope says so. Any other
// backend failure, including validation rejections, surfaces unchanged.
func (r *Router) Upload(ctx context.Context, raw []byte) (*trace.Trace, Scope, error) {
	if r.authenticated() {
		uploaded, err := r.remote.UploadTrace(ctx, raw)
		if err == nil {
			return uploaded, ScopeRemote, nil
		}
		if !client.IsUnavailable(err) {
			return nil, ScopeRemote, err
		}
		r.logger.Warn("backend unavailable, keeping upload in guest store", "error", err)
	}

	parsed, err := trace.ParseJSON(raw)
	if err != nil {
		return nil, ScopeGuest, err
	}
	r.guest.Save(parsed)
	return parsed, ScopeGuest, nil
}

// Get fetches a trace by ID. The guest store is consulted first so traces
// kept locally after a fallback stay reachable for authenticated sessions.
func (r *Router) Get(ctx context.Context, id string) (*trace.Trace, Scope, error) {
	if local := r.guest.Get(id); local != nil {
		return local, ScopeGuest, nil
	}
	if !r.authenticated() {
		return nil, ScopeGuest, &client.APIError{Kind: client.KindNotFound, Message: "trace not found"}
	}
	remote, err := r.remote.GetTrace(ctx, id)
	if err != nil {
		return nil, ScopeRemote, err
	}
	return remote, ScopeRemote, nil
}

// List returns the traces visible to the session. Guest sessions see the
// guest store in insertion order; authenticated sessions see their backend
// traces followed by any locally held ones.
func (r *Router) List(ctx context.Context) ([]*trace.Trace, error) {
	if !r.authenticated() {
		return r.guest.List(), nil
	}
	remote, err := r.remote.ListTraces(ctx)
	if err != nil {
		return nil, err
	}
	return append(remote, r.guest.List()...), nil
}

// Search finds steps matching the query across the session's traces.
func (r *Router) Search(ctx context.Context, query string) ([]trace.SearchResult, error) {
	if !r.authenticated() {
		return r.guest.FindStepText(query), nil
	}
	results, err := r.remote.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) < trace.SearchResultLimit {
		local := r.guest.FindStepText(query)
		for _, result := range local {
			if len(results) >= trace.SearchResultLimit {
				break
			}
			results = append(results, result)
		}
	}
	return results, nil
}
