// Package token manages the identity pool at runtime: a TTL-cached snapshot
// of active accounts and single-flight OAuth token refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/relaypool/gemini-relay/internal/db"
	"github.com/relaypool/gemini-relay/internal/db/models"
	"github.com/relaypool/gemini-relay/internal/util"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNoAccounts is returned when the pool holds no active identities.
var ErrNoAccounts = errors.New("no active accounts available")

// Refresher exchanges a refresh token for a fresh access token.
// *google.OAuth implements it; tests inject fakes.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Manager caches the active identity list and deduplicates token refreshes.
// Readers get a snapshot; a snapshot does not see concurrent writes, which
// is acceptable within the cache TTL.
type Manager struct {
	store     *db.Store
	refresher Refresher
	ttl       time.Duration
	margin    time.Duration

	mu        sync.Mutex
	accounts  []models.Account
	fetchedAt time.Time
	loaded    bool
	loading   bool

	group   singleflight.Group
	nowFunc func() time.Time
}

// NewManager builds a manager with the given cache TTL and refresh margin.
func NewManager(store *db.Store, refresher Refresher, ttl, margin time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		ttl:       ttl,
		margin:    margin,
		nowFunc:   time.Now,
	}
}

// Warm eagerly loads the identity list at startup.
func (m *Manager) Warm() error {
	_, err := m.reload()
	return err
}

// GetReadyAccounts returns the active identities in LRU order. The first
// call awaits the load; later calls return the cached snapshot and kick off
// a background refresh once the TTL has passed. A failed refresh keeps the
// prior list.
func (m *Manager) GetReadyAccounts() ([]models.Account, error) {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return m.reload()
	}

	stale := m.nowFunc().Sub(m.fetchedAt) >= m.ttl
	if stale && !m.loading {
		m.loading = true
		go func() {
			if _, err := m.reload(); err != nil {
				log.Printf("⚠️ Identity cache refresh failed, keeping prior list: %v", err)
			}
			m.mu.Lock()
			m.loading = false
			m.mu.Unlock()
		}()
	}
	snapshot := make([]models.Account, len(m.accounts))
	copy(snapshot, m.accounts)
	m.mu.Unlock()
	return snapshot, nil
}

func (m *Manager) reload() ([]models.Account, error) {
	accounts, err := m.store.GetActiveAccounts()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.accounts = accounts
	m.fetchedAt = m.nowFunc()
	m.loaded = true
	snapshot := make([]models.Account, len(accounts))
	copy(snapshot, accounts)
	m.mu.Unlock()
	return snapshot, nil
}

// Invalidate clears the cache; the next read reloads from the store.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.loaded = false
	m.accounts = nil
	m.mu.Unlock()
}

// EnsureFreshToken returns a usable access token for the identity,
// refreshing it when it expires within the margin. Concurrent callers for
// the same identity share one refresh HTTP call.
func (m *Manager) EnsureFreshToken(ctx context.Context, acc *models.Account) (string, error) {
	if m.nowFunc().Before(acc.ExpiresAt.Add(-m.margin)) {
		return acc.AccessToken, nil
	}

	v, err, _ := m.group.Do(acc.Email, func() (interface{}, error) {
		return m.refresh(ctx, acc)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, acc *models.Account) (string, error) {
	// Another caller may have finished a refresh while we queued.
	if current, err := m.store.GetAccount(acc.Email); err == nil {
		if m.nowFunc().Before(current.ExpiresAt.Add(-m.margin)) {
			m.updateCached(current)
			return current.AccessToken, nil
		}
		acc = current
	}

	newToken, err := m.refresher.Refresh(ctx, acc.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("🔒 Deactivating %s after permanent refresh failure: %v", acc.Email, err)
			if derr := m.store.DeactivateAccount(acc.Email); derr != nil {
				log.Printf("⚠️ Failed to deactivate %s: %v", acc.Email, derr)
			}
			m.Invalidate()
		}
		return "", err
	}

	refreshToken := newToken.RefreshToken
	if refreshToken == "" {
		// Google frequently omits the refresh token on renewal; keep the old one.
		refreshToken = acc.RefreshToken
	}
	patch := models.AccountPatch{
		AccessToken:  &newToken.AccessToken,
		RefreshToken: &refreshToken,
		ExpiresAt:    &newToken.Expiry,
	}
	if err := m.store.UpdateAccount(acc.Email, patch); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	acc.AccessToken = newToken.AccessToken
	acc.RefreshToken = refreshToken
	acc.ExpiresAt = newToken.Expiry
	m.updateCached(acc)

	log.Printf("✅ Refreshed token for %s (expires %s, token %s)",
		acc.Email, newToken.Expiry.Format(time.RFC3339), util.MaskToken(newToken.AccessToken))
	return newToken.AccessToken, nil
}

// updateCached patches the in-memory snapshot entry so in-flight rotation
// loops holding the cache see the fresh token on their next read.
func (m *Manager) updateCached(acc *models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.accounts {
		if m.accounts[i].Email == acc.Email {
			m.accounts[i].AccessToken = acc.AccessToken
			m.accounts[i].RefreshToken = acc.RefreshToken
			m.accounts[i].ExpiresAt = acc.ExpiresAt
			return
		}
	}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	markers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
