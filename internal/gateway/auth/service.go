// Package auth registers devices and issues and verifies their tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/database"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// DeviceStore is the durable device registry
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	UpsertDevice(ctx context.Context, id, platform, appVersion string) (*models.Device, error)
	IncrementTokenVersion(ctx context.Context, id string) (int, error)
	SetTier(ctx context.Context, id string, tier models.Tier, subscriptionRef *string) error
	SetBlocked(ctx context.Context, id string, blocked bool) error
	TouchLastSeen(ctx context.Context, id string) error
	DeleteDevice(ctx context.Context, id string) error
}

// Options configures token issuance
type Options struct {
	JWTSecret  string
	AppSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type Service struct {
	store     DeviceStore
	opts      Options
	secret    []byte
	appSecret []byte
	now       func() time.Time
	wg        sync.WaitGroup
}

// RegisterInput is what a client sends on first launch
type RegisterInput struct {
	DeviceID   string
	Platform   string
	AppVersion string
	AppSecret  string
}

// NewService creates an auth service
func NewService(store DeviceStore, opts Options) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Service{
		store:     store,
		opts:      opts,
		secret:    []byte(opts.JWTSecret),
		appSecret: []byte(opts.AppSecret),
		now:       time.Now,
	}
}

// Register creates or refreshes a device and issues a token pair. Existing
// devices keep their tier and token version.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*TokenPair, error) {
	if subtle.ConstantTimeCompare([]byte(in.AppSecret), s.appSecret) != 1 {
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid app secret")
	}

	id, err := uuid.Parse(strings.TrimSpace(in.DeviceID))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, "device_id must be a UUID", err)
	}

	device, err := s.store.UpsertDevice(ctx, id.String(), in.Platform, in.AppVersion)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to register device", err)
	}
	if device.Blocked {
		return nil, apperr.New(apperr.CodeDeviceBlocked, "device is blocked")
	}

	logging.FromContext(ctx).Info("device registered",
		slog.String("device_id", device.ID),
		slog.String("platform", device.Platform),
		slog.String("tier", string(device.Tier)),
	)
	return s.issuePair(device, device.TokenVersion)
}

// Refresh exchanges a refresh token for a new pair. Every refresh bumps the
// device's token version, so a refresh token works exactly once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	device, err := s.loadDevice(ctx, claims)
	if err != nil {
		return nil, err
	}

	version, err := s.store.IncrementTokenVersion(ctx, device.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to rotate tokens", err)
	}
	return s.issuePair(device, version)
}

// Revoke invalidates every outstanding token of a device
func (s *Service) Revoke(ctx context.Context, deviceID string) error {
	if _, err := s.store.IncrementTokenVersion(ctx, deviceID); err != nil {
		return storeError(err, "failed to revoke tokens")
	}
	logging.FromContext(ctx).Info("device tokens revoked", slog.String("device_id", deviceID))
	return nil
}

// Verify checks an access token against the device registry and returns
// the current device. The tier comes from the registry, not the token.
func (s *Service) Verify(ctx context.Context, accessToken string) (*models.Device, error) {
	claims, err := s.parse(accessToken, TokenTypeAccess)
	if err != nil {
		return nil, err
	}

	device, err := s.loadDevice(ctx, claims)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.touch(device.ID)
	}()
	return device, nil
}

func (s *Service) loadDevice(ctx context.Context, claims *Claims) (*models.Device, error) {
	device, err := s.store.GetDevice(ctx, claims.Subject)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.New(apperr.CodeInvalidToken, "unknown device")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to load device", err)
	}
	if device.Blocked {
		return nil, apperr.New(apperr.CodeDeviceBlocked, "device is blocked")
	}
	if claims.Version != device.TokenVersion {
		return nil, apperr.New(apperr.CodeTokenRevoked, "token has been revoked")
	}
	return device, nil
}

// Wait blocks until every in-flight last-seen update finishes
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) touch(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.TouchLastSeen(ctx, deviceID); err != nil {
		slog.Warn("failed to update last seen", slog.String("device_id", deviceID), slog.Any("error", err))
	}
}

// SetTier changes a device's tier
func (s *Service) SetTier(ctx context.Context, deviceID string, tier models.Tier, subscriptionRef *string) error {
	if !tier.Valid() {
		return apperr.New(apperr.CodeInvalidRequest, "unknown tier").WithDetails(map[string]any{"tier": tier})
	}
	if err := s.store.SetTier(ctx, deviceID, tier, subscriptionRef); err != nil {
		return storeError(err, "failed to set tier")
	}
	logging.FromContext(ctx).Info("device tier changed", slog.String("device_id", deviceID), slog.String("tier", string(tier)))
	return nil
}

// SetBlocked blocks or unblocks a device
func (s *Service) SetBlocked(ctx context.Context, deviceID string, blocked bool) error {
	if err := s.store.SetBlocked(ctx, deviceID, blocked); err != nil {
		return storeError(err, "failed to update device")
	}
	logging.FromContext(ctx).Info("device block changed", slog.String("device_id", deviceID), slog.Bool("blocked", blocked))
	return nil
}

// Erase deletes a device and its usage history
func (s *Service) Erase(ctx context.Context, deviceID string) error {
	if err := s.store.DeleteDevice(ctx, deviceID); err != nil {
		return storeError(err, "failed to erase device")
	}
	logging.FromContext(ctx).Info("device erased", slog.String("device_id", deviceID))
	return nil
}

func storeError(err error, msg string) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, "device not found")
	}
	return apperr.Wrap(apperr.CodeInternal, msg, err)
}
