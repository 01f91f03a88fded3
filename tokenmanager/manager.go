// Package tokenmanager keeps one valid CRM credential per provider: cached
// reads, single-flight refresh, and a health loop that refreshes tokens
// before they expire.
package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("crm is not connected: no active credential")

// CredentialStore is satisfied by *models.CredentialStore.
type CredentialStore interface {
	GetActive(ctx context.Context, provider string) (*models.Credential, error)
	Activate(ctx context.Context, cred *models.Credential, now time.Time) error
	UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt time.Time, now time.Time) error
	Deactivate(ctx context.Context, id uint, reason string, now time.Time) error
}

type Options struct {
	// Provider is the default provider served through crm.TokenSource.
	Provider         string
	SafetyMargin     time.Duration
	RefreshThreshold time.Duration
	HealthInterval   time.Duration
}

func (o *Options) setDefaults() {
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = time.Minute
	}
	if o.RefreshThreshold <= 0 {
		o.RefreshThreshold = 5 * time.Minute
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = time.Minute
	}
}

type ProviderStatus struct {
	Provider        string     `json:"provider"`
	Connected       bool       `json:"connected"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RemainingSec    int64      `json:"remaining_seconds"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	ApiDomain       string     `json:"api_domain,omitempty"`
}

type Manager struct {
	store  CredentialStore
	oauth  crm.OAuth
	clock  clock.Clock
	logger *logrus.Logger
	opts   Options

	mu    sync.RWMutex
	cache map[string]*models.Credential

	refreshGroup singleflight.Group

	loopMu  sync.Mutex
	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(store CredentialStore, oauth crm.OAuth, clk clock.Clock, logger *logrus.Logger, opts Options) *Manager {
	opts.setDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		oauth:  oauth,
		clock:  clk,
		logger: logger,
		opts:   opts,
		cache:  map[string]*models.Credential{},
	}
}

// GetValidCredential returns a credential with more than SafetyMargin left,
// refreshing first if needed.
func (m *Manager) GetValidCredential(ctx context.Context, provider string) (*models.Credential, error) {
	cred, err := m.current(ctx, provider)
	if err != nil {
		return nil, err
	}
	if cred.Remaining(m.clock.Now()) > m.opts.SafetyMargin {
		return cred, nil
	}
	return m.ensureFresh(ctx, provider, m.opts.SafetyMargin)
}

// current returns the cached credential, loading it from the store on a miss.
func (m *Manager) current(ctx context.Context, provider string) (*models.Credential, error) {
	m.mu.RLock()
	cached := m.cache[provider]
	m.mu.RUnlock()
	if cached != nil {
		c := *cached
		return &c, nil
	}

	cred, err := m.store.GetActive(ctx, provider)
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	m.put(provider, cred)
	c := *cred
	return &c, nil
}

// Refresh always calls the token endpoint. Concurrent callers share one
// refresh per provider.
func (m *Manager) Refresh(ctx context.Context, provider string) (*models.Credential, error) {
	return m.share(ctx, provider+"/force", provider, 0)
}

// ensureFresh refreshes unless the stored credential already has more than
// minRemaining left, which is the case for callers arriving just after
// another refresh finished.
func (m *Manager) ensureFresh(ctx context.Context, provider string, minRemaining time.Duration) (*models.Credential, error) {
	return m.share(ctx, provider, provider, minRemaining)
}

func (m *Manager) share(ctx context.Context, key, provider string, minRemaining time.Duration) (*models.Credential, error) {
	v, err, _ := m.refreshGroup.Do(key, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), provider, minRemaining)
	})
	if err != nil {
		return nil, err
	}
	c := *(v.(*models.Credential))
	return &c, nil
}

func (m *Manager) refresh(ctx context.Context, provider string, minRemaining time.Duration) (*models.Credential, error) {
	logger := m.logger.WithFields(logrus.Fields{"field": "TokenManager", "provider": provider})

	cred, err := m.store.GetActive(ctx, provider)
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) {
			m.drop(provider)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if minRemaining > 0 && cred.Remaining(m.clock.Now()) > minRemaining {
		m.put(provider, cred)
		return cred, nil
	}
	if cred.RefreshToken == "" {
		m.drop(provider)
		return nil, ErrNotFound
	}

	grant, err := m.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if crm.Classify(err) == crm.ClassAuth {
			now := m.clock.Now()
			if derr := m.store.Deactivate(ctx, cred.ID, models.DeactivationRefreshFailed, now); derr != nil {
				logger.WithError(derr).Error("deactivate rejected credential")
			}
			m.drop(provider)
			logger.WithError(err).Error("refresh token rejected, credential deactivated")
			return nil, err
		}
		logger.WithError(err).Warn("token refresh failed, credential kept")
		return nil, err
	}

	now := m.clock.Now()
	if err := m.store.UpdateTokens(ctx, cred.ID, grant.AccessToken, grant.RefreshToken, grant.ExpiresAt, now); err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) {
			m.drop(provider)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	cred.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		cred.RefreshToken = grant.RefreshToken
	}
	cred.ExpiresAt = grant.ExpiresAt
	cred.LastRefreshedAt = &now
	m.put(provider, cred)

	logger.WithField("expires_at", grant.ExpiresAt).Info("crm token refreshed")
	return cred, nil
}

// StoreCredential makes grant the single active credential for provider.
func (m *Manager) StoreCredential(ctx context.Context, provider string, grant crm.TokenGrant) (*models.Credential, error) {
	now := m.clock.Now()
	cred := &models.Credential{
		Provider:        provider,
		AccessToken:     grant.AccessToken,
		RefreshToken:    grant.RefreshToken,
		ExpiresAt:       grant.ExpiresAt,
		Scope:           grant.Scope,
		TokenType:       grant.TokenType,
		ApiDomain:       grant.ApiDomain,
		LastRefreshedAt: &now,
	}
	if err := m.store.Activate(ctx, cred, now); err != nil {
		return nil, err
	}
	m.put(provider, cred)
	m.ensureLoop()

	m.logger.WithFields(logrus.Fields{
		"field":      "TokenManager",
		"provider":   provider,
		"expires_at": grant.ExpiresAt,
	}).Info("crm credential stored")
	c := *cred
	return &c, nil
}

// Exchange completes the authorization-code grant and stores the result.
func (m *Manager) Exchange(ctx context.Context, provider, code string) (*models.Credential, error) {
	grant, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return m.StoreCredential(ctx, provider, grant)
}

func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state)
}

// Revoke deactivates the active credential (admin disconnect).
func (m *Manager) Revoke(ctx context.Context, provider, reason string) error {
	cred, err := m.store.GetActive(ctx, provider)
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) {
			m.drop(provider)
			return ErrNotFound
		}
		return err
	}
	if reason == "" {
		reason = models.DeactivationRevoked
	}
	if err := m.store.Deactivate(ctx, cred.ID, reason, m.clock.Now()); err != nil {
		return err
	}
	m.drop(provider)
	return nil
}

func (m *Manager) Status(ctx context.Context) []ProviderStatus {
	now := m.clock.Now()
	out := []ProviderStatus{}
	for _, provider := range m.providers() {
		st := ProviderStatus{Provider: provider}
		cred, err := m.current(ctx, provider)
		if err == nil {
			exp := cred.ExpiresAt
			st.Connected = true
			st.ExpiresAt = &exp
			st.RemainingSec = int64(cred.Remaining(now) / time.Second)
			st.LastRefreshedAt = cred.LastRefreshedAt
			st.Scope = cred.Scope
			st.ApiDomain = cred.ApiDomain
		}
		out = append(out, st)
	}
	return out
}

// AccessToken implements crm.TokenSource for the default provider.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cred, err := m.GetValidCredential(ctx, m.opts.Provider)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ForceRefresh implements crm.TokenSource.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	cred, err := m.Refresh(ctx, m.opts.Provider)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Start runs the health loop until Stop or ctx is done. Calling it twice is a
// no-op.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopCtx != nil {
		return
	}
	m.loopCtx, m.cancel = context.WithCancel(ctx)
	m.startLoopLocked()
}

func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.loopCtx, m.cancel, m.done = nil, nil, nil
	m.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// ensureLoop restarts the loop if it exited while Start is still in effect.
func (m *Manager) ensureLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopCtx == nil || m.loopCtx.Err() != nil {
		return
	}
	if m.done != nil {
		select {
		case <-m.done:
		default:
			return
		}
	}
	m.startLoopLocked()
}

func (m *Manager) startLoopLocked() {
	done := make(chan struct{})
	m.done = done
	ctx := m.loopCtx
	ticker := m.clock.NewTicker(m.opts.HealthInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}

// CheckHealth refreshes every known provider whose token is within
// RefreshThreshold of expiry. One attempt per provider per call.
func (m *Manager) CheckHealth(ctx context.Context) {
	now := m.clock.Now()
	for _, provider := range m.providers() {
		cred, err := m.current(ctx, provider)
		if err != nil {
			continue
		}
		remaining := cred.Remaining(now)
		if remaining >= m.opts.RefreshThreshold {
			continue
		}
		if _, err := m.ensureFresh(ctx, provider, m.opts.RefreshThreshold); err != nil {
			m.logger.WithFields(logrus.Fields{
				"field":     "TokenManager",
				"provider":  provider,
				"remaining": remaining.String(),
			}).WithError(err).Warn("health check refresh failed")
		}
	}
}

func (m *Manager) providers() []string {
	seen := map[string]bool{}
	if m.opts.Provider != "" {
		seen[m.opts.Provider] = true
	}
	m.mu.RLock()
	for p := range m.cache {
		seen[p] = true
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) put(provider string, cred *models.Credential) {
	c := *cred
	m.mu.Lock()
	m.cache[provider] = &c
	m.mu.Unlock()
}

func (m *Manager) drop(provider string) {
	m.mu.Lock()
	delete(m.cache, provider)
	m.mu.Unlock()
}
