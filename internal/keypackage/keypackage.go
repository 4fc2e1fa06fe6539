// Package keypackage implements the key-package and welcome business logic
// (C6) on top of the storage primitives in internal/storage: publish/consume
// flows, recovery-mode rate-limit bypass, and the abuse controls from spec
// §4.6.
package keypackage

import (
	"context"
	"fmt"
	"time"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/ratelimit"
	"github.com/catbird/mls-ds/internal/storage"
)

const (
	// MaxUnconsumedPerUser caps how many unconsumed key packages a user may
	// have outstanding at once.
	MaxUnconsumedPerUser = 100
	// MaxUploadsPerHour caps ordinary (non-recovery) publish volume.
	MaxUploadsPerHour = 200
	// RecoveryMaxPerHour caps recovery-mode bypasses.
	RecoveryMaxPerHour = 3
	// RecoveryCooldown is the minimum spacing between recovery-mode uses.
	RecoveryCooldown = 5 * time.Minute
	// ReservationGrace is how long a reservation holds before lapsing.
	ReservationGrace = 5 * time.Minute
	// WelcomeGrace is how long a consumed-but-unconfirmed welcome stays
	// visible to a crash-recovering client.
	WelcomeGrace = 5 * time.Minute
)

// Service wires the storage primitives together with the rate-limiting
// policy from spec §4.6.
type Service struct {
	store   *storage.Store
	uploads *ratelimit.Limiter
	recovery *ratelimit.Limiter
}

// New constructs a keypackage Service. uploads and recovery are independent
// limiter namespaces so their counters never collide.
func New(store *storage.Store, uploads, recovery *ratelimit.Limiter) *Service {
	return &Service{store: store, uploads: uploads, recovery: recovery}
}

// PublishInput is one batch-publish call.
type PublishInput struct {
	OwnerDID string
	DeviceID string
	Packages []models.KeyPackage
	Recovery bool // recovery-mode header set
}

// Publish inserts a batch of key packages for a device, enforcing the caps
// and recovery-mode bypass from spec §4.6.
func (s *Service) Publish(ctx context.Context, in PublishInput) error {
	if in.Recovery {
		allowed, err := s.checkRecoveryEligible(ctx, in.OwnerDID, in.DeviceID)
		if err != nil {
			return err
		}
		if !allowed {
			return apierror.New(apierror.KindRateLimited, "recovery mode unavailable: device is not empty, or recovery quota/cooldown exceeded")
		}
	} else {
		if err := s.checkOrdinaryLimits(ctx, in.OwnerDID); err != nil {
			return err
		}
	}

	for _, kp := range in.Packages {
		if err := s.store.InsertKeyPackage(ctx, kp); err != nil {
			return apierror.Wrap(apierror.KindStorageError, "insert key package", err)
		}
	}
	return nil
}

// checkOrdinaryLimits enforces the 100-unconsumed and 200-uploads/hour caps.
func (s *Service) checkOrdinaryLimits(ctx context.Context, ownerDID string) error {
	unconsumed, err := s.store.CountUnconsumed(ctx, ownerDID, "")
	if err != nil {
		return apierror.Wrap(apierror.KindStorageError, "count unconsumed key packages", err)
	}
	if unconsumed >= MaxUnconsumedPerUser {
		return apierror.New(apierror.KindRateLimited, "unconsumed key package cap reached")
	}

	res, err := s.uploads.Allow(ctx, ownerDID, MaxUploadsPerHour, time.Hour)
	if err != nil {
		return apierror.Wrap(apierror.KindStorageError, "check upload rate limit", err)
	}
	if !res.Allowed {
		return apierror.New(apierror.KindRateLimited, "hourly upload cap reached")
	}
	return nil
}

// checkRecoveryEligible enforces the recovery-mode bypass rule: only usable
// when the device's own unconsumed count is zero, at most 3 times per hour,
// with a 5-minute cooldown between uses.
func (s *Service) checkRecoveryEligible(ctx context.Context, ownerDID, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, apierror.New(apierror.KindInvalidInput, "recovery mode requires a device id")
	}
	deviceUnconsumed, err := s.store.CountUnconsumed(ctx, ownerDID, deviceID)
	if err != nil {
		return false, apierror.Wrap(apierror.KindStorageError, "count device unconsumed key packages", err)
	}
	if deviceUnconsumed != 0 {
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", ownerDID, deviceID)
	res, err := s.recovery.Allow(ctx, key, RecoveryMaxPerHour, time.Hour)
	if err != nil {
		return false, apierror.Wrap(apierror.KindStorageError, "check recovery rate limit", err)
	}
	if !res.Allowed {
		return false, nil
	}

	cooldownKey := "cooldown:" + key
	cooldownRes, err := s.recovery.Allow(ctx, cooldownKey, 1, RecoveryCooldown)
	if err != nil {
		return false, apierror.Wrap(apierror.KindStorageError, "check recovery cooldown", err)
	}
	return cooldownRes.Allowed, nil
}

// Reserve selects one available key package for ownerDID, preferring
// deviceID if given, and marks it reserved.
func (s *Service) Reserve(ctx context.Context, ownerDID, deviceID string) (models.KeyPackage, error) {
	kp, err := s.store.ReserveKeyPackage(ctx, ownerDID, deviceID, ReservationGrace)
	if err == storage.ErrNotFound {
		return models.KeyPackage{}, apierror.New(apierror.KindNotFound, "no available key package")
	}
	if err != nil {
		return models.KeyPackage{}, apierror.Wrap(apierror.KindStorageError, "reserve key package", err)
	}
	return kp, nil
}

// Stats reports the unconsumed key package count for a user (and optionally
// a specific device), for getKeyPackageStats.
func (s *Service) Stats(ctx context.Context, ownerDID, deviceID string) (int, error) {
	n, err := s.store.CountUnconsumed(ctx, ownerDID, deviceID)
	if err != nil {
		return 0, apierror.Wrap(apierror.KindStorageError, "count unconsumed key packages", err)
	}
	return n, nil
}

// FetchWelcomes performs the first phase of the welcome two-phase commit:
// returns every welcome visible to recipientDID and marks each consumed.
func (s *Service) FetchWelcomes(ctx context.Context, recipientDID string) ([]models.Welcome, error) {
	welcomes, err := s.store.FetchAndConsumeWelcomes(ctx, recipientDID, WelcomeGrace)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindStorageError, "fetch welcomes", err)
	}
	return welcomes, nil
}

// ConfirmWelcome performs the second phase: the recipient has successfully
// processed the welcome locally. Also finalizes consumption of the
// underlying key package.
func (s *Service) ConfirmWelcome(ctx context.Context, welcomeID string) error {
	w, err := s.store.ConfirmWelcome(ctx, welcomeID)
	if err == storage.ErrNotFound {
		return apierror.New(apierror.KindNotFound, "welcome not found or already confirmed")
	}
	if err != nil {
		return apierror.Wrap(apierror.KindStorageError, "confirm welcome", err)
	}
	if err := s.store.ConsumeKeyPackage(ctx, w.RecipientDID, w.KeyPackageHash); err != nil {
		return apierror.Wrap(apierror.KindStorageError, "consume key package on confirm", err)
	}
	return nil
}

// ReleaseExpired sweeps welcomes that crashed-and-never-confirmed past
// grace, releasing their key-package reservations. Intended to be invoked
// periodically by a background sweeper.
func (s *Service) ReleaseExpired(ctx context.Context) (int, error) {
	n, err := s.store.ReleaseExpiredWelcomes(ctx, WelcomeGrace)
	if err != nil {
		return 0, apierror.Wrap(apierror.KindStorageError, "release expired welcomes", err)
	}
	return n, nil
}
