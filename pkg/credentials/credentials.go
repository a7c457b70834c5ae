// Package credentials manages per-user OAuth2 tokens for the upstream
// provider, refreshing them on demand and serializing concurrent refreshes
// for the same user so a burst of workers never races the provider's token
// endpoint.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pacecraft/enrichment/pkg/log"
)

// Store persists and retrieves a user's OAuth2 token.
type Store interface {
	GetToken(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error)
	SaveToken(ctx context.Context, userID uuid.UUID, token *oauth2.Token) error
}

// Manager hands out per-user oauth2.TokenSources, refreshing expired tokens
// through the configured endpoint and persisting the result.
type Manager struct {
	store  Store
	config *oauth2.Config

	mu      sync.RWMutex
	cached  map[uuid.UUID]*oauth2.Token
	inflight singleflight.Group
}

// New creates a credentials Manager. clientID/clientSecret/tokenURL describe
// the upstream provider's OAuth2 token endpoint.
func New(store Store, clientID, clientSecret, tokenURL string) *Manager {
	return &Manager{
		store: store,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL,
			},
		},
		cached: make(map[uuid.UUID]*oauth2.Token),
	}
}

// TokenFor returns a valid, non-expired token for userID, refreshing it
// through the provider if necessary. Concurrent calls for the same user
// share a single in-flight refresh.
func (m *Manager) TokenFor(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error) {
	m.mu.RLock()
	if tok, ok := m.cached[userID]; ok && tok.Valid() {
		m.mu.RUnlock()
		return tok, nil
	}
	m.mu.RUnlock()

	result, err, _ := m.inflight.Do(userID.String(), func() (interface{}, error) {
		return m.refresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*oauth2.Token), nil
}

func (m *Manager) refresh(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error) {
	current, err := m.store.GetToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored token for user %s: %w", userID, err)
	}

	if current.Valid() {
		m.cacheToken(userID, current)
		return current, nil
	}

	source := m.config.TokenSource(ctx, current)
	refreshed, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh upstream token for user %s: %w", userID, err)
	}

	if refreshed.AccessToken != current.AccessToken {
		if err := m.store.SaveToken(ctx, userID, refreshed); err != nil {
			log.Logger.Error().Err(err).Str("user_id", userID.String()).Msg("failed to persist refreshed token")
		}
	}

	m.cacheToken(userID, refreshed)
	return refreshed, nil
}

func (m *Manager) cacheToken(userID uuid.UUID, tok *oauth2.Token) {
	m.mu.Lock()
	m.cached[userID] = tok
	m.mu.Unlock()
}

// Invalidate drops the cached token for userID, forcing the next TokenFor
// call to refresh. Call this after the provider rejects a token with 401.
func (m *Manager) Invalidate(userID uuid.UUID) {
	m.mu.Lock()
	delete(m.cached, userID)
	m.mu.Unlock()
}
