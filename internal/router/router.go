// Package router chooses a blob location for each incoming file and
// executes the escalation chain when a tier rejects the write. The chain
// is an explicit ordered list of tiers tried in sequence: it never
// retries a smaller tier after a larger one succeeds, never downgrades,
// and never splits a file across tiers.
package router

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote"
	"github.com/alexjbarnes/dropsync/internal/store"
)

const (
	// blobDirPerm is the permission mode for the device-storage
	// payload directory.
	blobDirPerm = fs.FileMode(0o700)

	// blobFilePerm is the permission mode for payload files.
	blobFilePerm = fs.FileMode(0o600)
)

// Tier is one storage location a blob may be routed to. Store places the
// payload and durably persists the record; on success it has set the
// record's BlobLocation and location-specific fields.
type Tier interface {
	Location() models.BlobLocation
	Accepts(sizeBytes int64) bool
	Store(ctx context.Context, rec *models.FileRecord) error
}

// Router tries each tier in order until one accepts the file.
type Router struct {
	tiers  []Tier
	logger *slog.Logger
}

// New creates a router over the given tiers, tried in argument order.
func New(logger *slog.Logger, tiers ...Tier) *Router {
	return &Router{tiers: tiers, logger: logger}
}

// Place routes the record's payload to the first tier that accepts it,
// escalating on capacity rejection or size. Given the same size and the
// same tier capacity state, the chosen tier is deterministic. Returns the
// last tier error when every tier rejects the file.
func (r *Router) Place(ctx context.Context, rec *models.FileRecord) error {
	var lastErr error

	for _, tier := range r.tiers {
		if !tier.Accepts(rec.SizeBytes) {
			continue
		}

		err := tier.Store(ctx, rec)
		if err == nil {
			r.logger.Debug("blob placed",
				slog.String("name", rec.Name),
				slog.Int64("size", rec.SizeBytes),
				slog.String("location", string(tier.Location())),
			)

			return nil
		}

		lastErr = err

		if errors.Is(err, dserrors.ErrCapacityExceeded) {
			r.logger.Debug("tier full, escalating",
				slog.String("name", rec.Name),
				slog.String("tier", string(tier.Location())),
			)

			continue
		}

		// Correctness over locality: any tier failure escalates rather
		// than dropping the file.
		r.logger.Warn("tier failed, escalating",
			slog.String("name", rec.Name),
			slog.String("tier", string(tier.Location())),
			slog.String("error", err.Error()),
		)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no tier accepted file of %d bytes", rec.SizeBytes)
	}

	return fmt.Errorf("placing %s: %w", rec.Name, lastErr)
}

// InlineTier stores small payloads inside the local database record.
type InlineTier struct {
	store    *store.Store
	maxBytes int64
}

// NewInlineTier creates the inline-local tier with the small-file
// threshold.
func NewInlineTier(s *store.Store, maxBytes int64) *InlineTier {
	return &InlineTier{store: s, maxBytes: maxBytes}
}

func (t *InlineTier) Location() models.BlobLocation { return models.LocationInline }

func (t *InlineTier) Accepts(sizeBytes int64) bool { return sizeBytes <= t.maxBytes }

func (t *InlineTier) Store(_ context.Context, rec *models.FileRecord) error {
	staged := *rec
	staged.BlobLocation = models.LocationInline
	staged.DevicePath = ""

	if err := t.store.PutFile(staged); err != nil {
		return err
	}

	rec.BlobLocation = models.LocationInline
	rec.DevicePath = ""

	return nil
}

// DeviceTier stores payloads as files under the device blob directory,
// with the record (payload-less) in the local database.
type DeviceTier struct {
	store    *store.Store
	dir      string
	maxBytes int64
}

// NewDeviceTier creates the device-storage tier. maxBytes is the hard
// local ceiling; larger files go straight to the remote object store.
func NewDeviceTier(s *store.Store, dir string, maxBytes int64) *DeviceTier {
	return &DeviceTier{store: s, dir: dir, maxBytes: maxBytes}
}

func (t *DeviceTier) Location() models.BlobLocation { return models.LocationDevice }

func (t *DeviceTier) Accepts(sizeBytes int64) bool { return sizeBytes <= t.maxBytes }

func (t *DeviceTier) Store(_ context.Context, rec *models.FileRecord) error {
	if err := os.MkdirAll(t.dir, blobDirPerm); err != nil {
		return fmt.Errorf("creating blob dir: %w", err)
	}

	path := filepath.Join(t.dir, rec.ID)

	if err := os.WriteFile(path, rec.Payload, blobFilePerm); err != nil {
		// A full disk is a capacity rejection, not a generic I/O
		// failure, so the router escalates instead of surfacing it.
		if errors.Is(err, syscall.ENOSPC) {
			_ = os.Remove(path)
			return fmt.Errorf("writing payload file: %w", dserrors.ErrCapacityExceeded)
		}

		return fmt.Errorf("writing payload file: %w", err)
	}

	staged := *rec
	staged.BlobLocation = models.LocationDevice
	staged.DevicePath = path
	staged.Payload = nil

	if err := t.store.PutFile(staged); err != nil {
		// Roll back the payload file so a failed record write leaves no
		// orphaned bytes behind.
		_ = os.Remove(path)
		return err
	}

	rec.BlobLocation = models.LocationDevice
	rec.DevicePath = path
	rec.Payload = nil

	return nil
}

// RemoteTier uploads payloads to the remote object store. It accepts any
// size and terminates the chain.
type RemoteTier struct {
	store  *store.Store
	remote remote.Remote
}

// NewRemoteTier creates the remote-object-store tier.
func NewRemoteTier(s *store.Store, r remote.Remote) *RemoteTier {
	return &RemoteTier{store: s, remote: r}
}

func (t *RemoteTier) Location() models.BlobLocation { return models.LocationRemote }

func (t *RemoteTier) Accepts(int64) bool { return true }

func (t *RemoteTier) Store(ctx context.Context, rec *models.FileRecord) error {
	locator, err := t.remote.UploadBlob(ctx, rec.Payload)
	if err != nil {
		return err
	}

	staged := *rec
	staged.BlobLocation = models.LocationRemote
	staged.RemoteLocator = locator
	staged.DevicePath = ""
	staged.Payload = nil

	if err := t.store.PutFile(staged); err != nil {
		return err
	}

	rec.BlobLocation = models.LocationRemote
	rec.RemoteLocator = locator
	rec.DevicePath = ""
	rec.Payload = nil

	return nil
}
