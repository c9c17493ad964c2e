// Package apikey issues and verifies the API keys that guard the job routes.
// Raw keys are returned once; the store keeps a bcrypt hash and the first
// characters of the key for lookup.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

const (
	// KeyPrefix starts every generated key.
	KeyPrefix = "nx_"
	// LookupLen is how many leading characters are stored in clear.
	LookupLen = 8
	// DefaultTTL is the lifetime of a generated key.
	DefaultTTL = 24 * time.Hour
)

var (
	ErrInvalid = errors.New("invalid API key")
	ErrExpired = errors.New("API key expired")
)

type Service struct {
	store store.Store
	ttl   time.Duration
	cost  int
	now   func() time.Time
}

type Option func(*Service)

// WithCost sets the bcrypt cost of new keys.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		ttl:   DefaultTTL,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate returns a new random raw key.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a revokable key that expires after the configured TTL and
// returns the raw key.
func (s *Service) Issue(ctx context.Context) (string, *models.APIKey, error) {
	raw, err := Generate()
	if err != nil {
		return "", nil, err
	}
	expires := s.now().UTC().Add(s.ttl)
	key, err := s.create(ctx, raw, "generated", nil, &expires, true)
	if err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

func (s *Service) create(ctx context.Context, raw, name string, scopes []string, expires *time.Time, revokable bool) (*models.APIKey, error) {
	if len(raw) < LookupLen {
		return nil, ErrInvalid
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	now := s.now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:LookupLen],
		Scopes:    scopes,
		Revokable: revokable,
		ExpiresAt: expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Verify returns the stored key matching raw. Unknown keys yield ErrInvalid
// and keys past their expiry ErrExpired; both purge expired keys.
func (s *Service) Verify(ctx context.Context, raw string) (*models.APIKey, error) {
	if len(raw) < LookupLen {
		return nil, ErrInvalid
	}
	keys, err := s.store.GetAPIKeyByPrefix(ctx, raw[:LookupLen])
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) != nil {
			continue
		}
		if key.Expired(s.now()) {
			s.purge(ctx)
			return nil, ErrExpired
		}
		go func(id uuid.UUID) {
			_ = s.store.UpdateAPIKeyLastUsed(context.Background(), id)
		}(key.ID)
		return key, nil
	}
	s.purge(ctx)
	return nil, ErrInvalid
}

// Revoke deletes the key raw. Keys created non-revokable yield
// store.ErrNotRevokable.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	key, err := s.Verify(ctx, raw)
	if err != nil {
		return err
	}
	return s.store.DeleteAPIKey(ctx, key.ID)
}

// EnsureAdmin stores raw as a non-expiring, non-revokable key with the admin
// scope unless it is already stored.
func (s *Service) EnsureAdmin(ctx context.Context, raw string) error {
	key, err := s.Verify(ctx, raw)
	switch {
	case err == nil && key.HasScope(models.ScopeAdmin):
		return nil
	case err == nil:
		return fmt.Errorf("admin key is stored without the %s scope", models.ScopeAdmin)
	case !errors.Is(err, ErrInvalid):
		return err
	}
	if _, err := s.create(ctx, raw, "admin", []string{models.ScopeAdmin}, nil, false); err != nil {
		return fmt.Errorf("store admin key: %w", err)
	}
	slog.Info("admin API key stored")
	return nil
}

// PurgeExpired deletes keys past their expiry.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredAPIKeys(ctx, s.now())
}

func (s *Service) purge(ctx context.Context) {
	if n, err := s.PurgeExpired(ctx); err != nil {
		slog.Warn("purge expired API keys", "error", err)
	} else if n > 0 {
		slog.Debug("purged expired API keys", "count", n)
	}
}

// RunPurger purges expired keys every interval until ctx is cancelled.
func (s *Service) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}
