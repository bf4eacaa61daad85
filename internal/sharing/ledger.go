// Package sharing manages share grants. Grants live entirely in the
// remote store; offline the ledger is unavailable rather than stale.
package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote"
	"github.com/google/uuid"
)

// unknownRecipientLabel stands in when a grant's recipient principal
// cannot be resolved at list time.
const unknownRecipientLabel = "unknown user"

// Ledger performs grant mutations and lookups against the remote store.
type Ledger struct {
	remote remote.Remote
	logger *slog.Logger
}

// NewLedger creates a sharing ledger over the remote service.
func NewLedger(r remote.Remote, logger *slog.Logger) *Ledger {
	return &Ledger{remote: r, logger: logger}
}

// Share grants the principal identified by recipientEmail access to the
// target file or folder. Only the target's owner may share it; sharing
// twice with the same recipient fails with ErrAlreadyShared.
func (l *Ledger) Share(ctx context.Context, ownerID, targetID, recipientEmail string, permission models.Permission) (models.ShareGrant, error) {
	if !permission.Valid() {
		return models.ShareGrant{}, fmt.Errorf("invalid permission %q", permission)
	}

	recipient, err := l.remote.FindPrincipalByEmail(ctx, recipientEmail)
	if err != nil {
		return models.ShareGrant{}, fmt.Errorf("resolving recipient %s: %w", recipientEmail, err)
	}

	if err := l.checkOwnership(ctx, ownerID, targetID); err != nil {
		return models.ShareGrant{}, err
	}

	if recipient.ID == ownerID {
		return models.ShareGrant{}, fmt.Errorf("sharing with yourself: %w", dserrors.ErrForbidden)
	}

	existing, err := l.remote.GrantsForTarget(ctx, targetID)
	if err != nil {
		return models.ShareGrant{}, fmt.Errorf("checking existing grants: %w", err)
	}

	for _, g := range existing {
		if g.RecipientID == recipient.ID {
			return models.ShareGrant{}, fmt.Errorf("target %s: %w", targetID, dserrors.ErrAlreadyShared)
		}
	}

	grant := models.ShareGrant{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		TargetID:    targetID,
		RecipientID: recipient.ID,
		Permission:  permission,
		CreatedAt:   time.Now().UTC(),
	}

	if err := l.remote.InsertGrant(ctx, grant); err != nil {
		return models.ShareGrant{}, fmt.Errorf("inserting grant: %w", err)
	}

	if err := l.remote.AppendSharedWith(ctx, targetID, recipient.ID); err != nil {
		return models.ShareGrant{}, fmt.Errorf("updating shared-with list: %w", err)
	}

	l.logger.Info("target shared",
		slog.String("target_id", targetID),
		slog.String("recipient", recipientEmail),
		slog.String("permission", string(permission)),
	)

	return grant, nil
}

// Revoke removes the recipient's grant on the target. Only the owner may
// revoke.
func (l *Ledger) Revoke(ctx context.Context, ownerID, targetID, recipientID string) error {
	if err := l.checkOwnership(ctx, ownerID, targetID); err != nil {
		return err
	}

	if err := l.remote.DeleteGrant(ctx, targetID, recipientID); err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}

	if err := l.remote.RemoveSharedWith(ctx, targetID, recipientID); err != nil {
		return fmt.Errorf("updating shared-with list: %w", err)
	}

	l.logger.Info("share revoked",
		slog.String("target_id", targetID),
		slog.String("recipient_id", recipientID),
	)

	return nil
}

// ListGrants returns the target's grants with recipient display labels
// resolved. A failed principal lookup yields a placeholder label, never
// an error: the grant list must render even when a recipient's account
// is gone.
func (l *Ledger) ListGrants(ctx context.Context, ownerID, targetID string) ([]models.ShareGrant, error) {
	if err := l.checkOwnership(ctx, ownerID, targetID); err != nil {
		return nil, err
	}

	grants, err := l.remote.GrantsForTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}

	for i := range grants {
		principal, err := l.remote.Principal(ctx, grants[i].RecipientID)
		if err != nil {
			l.logger.Warn("resolving grant recipient failed",
				slog.String("recipient_id", grants[i].RecipientID),
				slog.String("error", err.Error()),
			)

			grants[i].RecipientLabel = unknownRecipientLabel

			continue
		}

		grants[i].RecipientLabel = principal.Email
	}

	return grants, nil
}

// ListSharedWithMe returns the files other principals have shared with
// the given principal.
func (l *Ledger) ListSharedWithMe(ctx context.Context, principalID string) ([]models.FileRecord, error) {
	files, err := l.remote.SharedWithPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing shared files: %w", err)
	}

	return files, nil
}

func (l *Ledger) checkOwnership(ctx context.Context, principalID, targetID string) error {
	owner, err := l.remote.TargetOwner(ctx, targetID)
	if err != nil {
		return fmt.Errorf("resolving owner of %s: %w", targetID, err)
	}

	if owner != principalID {
		return fmt.Errorf("target %s is not owned by caller: %w", targetID, dserrors.ErrForbidden)
	}

	return nil
}
