// Package healthsync mirrors completed meal records into an external
// health datastore. Writes are tagged with the record's own id plus a
// strictly increasing per-record version so the external system treats
// repeated writes as upserts, never duplicates.
package healthsync

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/plateworks/mealvault/internal/mealstore"
)

var ErrInvalidDSN = errors.New("invalid version backend dsn")

// permissionKey is the reserved version-map key holding the last known
// write-permission state (1 granted, 0 denied). Keeping it in the same
// backend means every backend flavor persists it without a second store.
const permissionKey = "__permission__"

// HealthClient is the external health datastore collaborator. Implemented
// per platform; absent on platforms without an integration.
type HealthClient interface {
	HasWritePermission(ctx context.Context) (bool, error)
	RequestPermission(ctx context.Context) (bool, error)
	Upsert(ctx context.Context, rec *mealstore.Record, version int64) error
}

type BridgeOptions struct {
	Client   HealthClient
	Versions VersionBackend
	Logger   *logrus.Logger
}

// Bridge implements the mealstore completion sink. Sync is a no-op when
// the integration is unavailable or permission is missing; permission is
// checked live when possible, falling back to the persisted last-known
// flag when the live check itself fails.
type Bridge struct {
	client   HealthClient
	versions VersionBackend
	log      *logrus.Logger
}

func NewBridge(opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	versions := opts.Versions
	if versions == nil {
		versions = NewMemoryVersionBackend()
	}
	return &Bridge{
		client:   opts.Client,
		versions: versions,
		log:      logger,
	}
}

// Sync upserts one completed record. The stored version only advances
// after the external write succeeds, so a failed write reuses the same
// version on the next attempt instead of skipping ahead.
func (b *Bridge) Sync(ctx context.Context, rec *mealstore.Record) error {
	if b == nil || b.client == nil || rec == nil {
		return nil
	}
	if rec.State != mealstore.StateComplete || rec.Analysis == nil {
		return nil
	}
	if !b.permitted(ctx) {
		b.log.WithField("id", rec.ID).Debug("health sync skipped, no permission")
		return nil
	}

	current, _, err := b.versions.Get(rec.ID)
	if err != nil {
		return err
	}
	next := current + 1
	if err := b.client.Upsert(ctx, rec, next); err != nil {
		return err
	}
	return b.versions.Put(rec.ID, next)
}

// RequestPermission asks the external system for write access and
// persists the outcome.
func (b *Bridge) RequestPermission(ctx context.Context) (bool, error) {
	if b == nil || b.client == nil {
		return false, nil
	}
	granted, err := b.client.RequestPermission(ctx)
	if err != nil {
		return false, err
	}
	b.rememberPermission(granted)
	return granted, nil
}

func (b *Bridge) permitted(ctx context.Context) bool {
	granted, err := b.client.HasWritePermission(ctx)
	if err == nil {
		b.rememberPermission(granted)
		return granted
	}
	b.log.WithError(err).Debug("live permission check failed, using persisted flag")
	value, known, getErr := b.versions.Get(permissionKey)
	if getErr != nil || !known {
		return false
	}
	return value == 1
}

func (b *Bridge) rememberPermission(granted bool) {
	value := int64(0)
	if granted {
		value = 1
	}
	if err := b.versions.Put(permissionKey, value); err != nil {
		b.log.WithError(err).Warn("failed to persist permission flag")
	}
}
