// Package drive is the operation surface the web UI layer calls. Service
// is an explicit context object constructed once at startup; it owns the
// local store, the storage router, the sharing ledger, and the handle to
// the reconciliation engine. All mutations are local-first: they commit
// locally, nudge the engine, and return without waiting on the network.
package drive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote"
	"github.com/alexjbarnes/dropsync/internal/router"
	"github.com/alexjbarnes/dropsync/internal/sharing"
	"github.com/alexjbarnes/dropsync/internal/store"
	"github.com/google/uuid"
)

// previewMaxChars caps the stored text preview of a file.
const previewMaxChars = 500

// Reconciler is the engine handle the service needs: nudge after local
// mutations, reset on sign-out.
type Reconciler interface {
	NotifyChanged()
	ClearState() error
}

// Upload is one incoming file from the UI.
type Upload struct {
	Name     string
	MimeType string
	FolderID string
	Data     []byte
}

// StorageUsage reports local consumption. QuotaBytes is nil when the
// local medium capacity is unknown.
type StorageUsage struct {
	UsedBytes  int64  `json:"used_bytes"`
	QuotaBytes *int64 `json:"quota_bytes,omitempty"`
}

// Service implements the UI operation contract over the local stores and
// the remote collaborator.
type Service struct {
	store       *store.Store
	router      *router.Router
	remote      remote.Remote
	ledger      *sharing.Ledger
	engine      Reconciler
	logger      *slog.Logger
	principalID string

	// mu guards the in-memory projection of local state, loaded once at
	// construction and kept in step with every mutation.
	mu      sync.Mutex
	files   map[string]models.FileRecord
	folders []models.FolderRecord
}

// NewService loads local state and returns the ready service.
func NewService(s *store.Store, rt *router.Router, rem remote.Remote, ledger *sharing.Ledger, engine Reconciler, logger *slog.Logger, principalID string) (*Service, error) {
	records, err := s.AllFiles()
	if err != nil {
		return nil, fmt.Errorf("loading local files: %w", err)
	}

	files := make(map[string]models.FileRecord, len(records))
	for _, rec := range records {
		files[rec.ID] = rec
	}

	return &Service{
		store:       s,
		router:      rt,
		remote:      rem,
		ledger:      ledger,
		engine:      engine,
		logger:      logger,
		principalID: principalID,
		files:       files,
		folders:     s.LoadFolders(),
	}, nil
}

// AddFiles ingests a batch of uploads. Each file is routed and persisted
// independently; a failed item is logged and skipped, never aborting the
// rest of the batch. Returns the records that were stored.
func (s *Service) AddFiles(ctx context.Context, uploads []Upload) []models.FileRecord {
	added := make([]models.FileRecord, 0, len(uploads))

	for _, up := range uploads {
		rec := models.FileRecord{
			ID:          uuid.NewString(),
			Name:        up.Name,
			SizeBytes:   int64(len(up.Data)),
			MimeType:    up.MimeType,
			FolderID:    up.FolderID,
			TextPreview: buildPreview(up.MimeType, up.Data),
			Payload:     up.Data,
		}

		if err := s.router.Place(ctx, &rec); err != nil {
			s.logger.Warn("adding file failed",
				slog.String("name", up.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.mu.Lock()
		s.files[rec.ID] = rec
		s.mu.Unlock()

		added = append(added, rec)

		s.logger.Info("file added",
			slog.String("name", rec.Name),
			slog.Int64("size", rec.SizeBytes),
			slog.String("location", string(rec.BlobLocation)),
		)
	}

	if len(added) > 0 {
		s.engine.NotifyChanged()
	}

	return added
}

// RemoveFile deletes a file locally and, when the file has already been
// synced, removes its remote record and blob best-effort. Removing an
// unknown id is a no-op.
func (s *Service) RemoveFile(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.files[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}

	// Reconciliation may have enriched the stored record (remote locator)
	// since the projection was loaded; prefer the durable copy.
	if fresh, found, err := s.store.File(id); err == nil && found {
		rec = fresh
	}

	if err := s.store.RemoveFile(id); err != nil {
		return fmt.Errorf("removing file record: %w", err)
	}

	s.mu.Lock()
	delete(s.files, id)
	s.mu.Unlock()

	if rec.DevicePath != "" {
		if err := os.Remove(rec.DevicePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing payload file failed",
				slog.String("path", rec.DevicePath),
				slog.String("error", err.Error()),
			)
		}
	}

	s.propagateFileDelete(ctx, rec)
	s.engine.NotifyChanged()

	return nil
}

// propagateFileDelete removes the remote row and blob for a mapped file.
// Failures are logged, not surfaced: local removal already succeeded and
// the remote leftovers are harmless orphans.
func (s *Service) propagateFileDelete(ctx context.Context, rec models.FileRecord) {
	if remoteID := s.store.RemoteID(rec.ID); remoteID != "" {
		if err := s.remote.DeleteFileRecord(ctx, remoteID); err != nil {
			s.logger.Warn("deleting remote file record failed",
				slog.String("name", rec.Name),
				slog.String("error", err.Error()),
			)
		}

		if err := s.store.DeleteRemoteID(rec.ID); err != nil {
			s.logger.Warn("dropping sync mapping failed",
				slog.String("name", rec.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	if rec.RemoteLocator != "" {
		if err := s.remote.DeleteBlob(ctx, rec.RemoteLocator); err != nil {
			s.logger.Warn("deleting remote blob failed",
				slog.String("locator", rec.RemoteLocator),
				slog.String("error", err.Error()),
			)
		}
	}
}

// CreateFolder adds a folder to the flat namespace.
func (s *Service) CreateFolder(_ context.Context, name, color string) (models.FolderRecord, error) {
	folder := models.FolderRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Color:     color,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Persist before exposing: a failed write must not leave the
	// projection showing a folder the store never accepted.
	snapshot := append(append([]models.FolderRecord(nil), s.folders...), folder)
	if err := s.store.SaveFolders(snapshot); err != nil {
		return models.FolderRecord{}, fmt.Errorf("saving folders: %w", err)
	}

	s.folders = snapshot
	s.engine.NotifyChanged()

	return folder, nil
}

// DeleteFolder removes a folder; the files it contained move to the root
// rather than being deleted with it.
func (s *Service) DeleteFolder(ctx context.Context, id string) error {
	s.mu.Lock()

	idx := -1

	for i, folder := range s.folders {
		if folder.ID == id {
			idx = i
			break
		}
	}

	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("folder %s: %w", id, dserrors.ErrNotFound)
	}

	snapshot := append([]models.FolderRecord(nil), s.folders[:idx]...)
	snapshot = append(snapshot, s.folders[idx+1:]...)

	if err := s.store.SaveFolders(snapshot); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("saving folders: %w", err)
	}

	s.folders = snapshot

	// Reparent contained files to the root. The projection follows each
	// record only once its write commits, so a failed reparent leaves
	// that file where the store still has it.
	for fid, rec := range s.files {
		if rec.FolderID != id {
			continue
		}

		rec.FolderID = ""

		if err := s.store.PutFile(rec); err != nil {
			s.logger.Warn("reparenting file failed",
				slog.String("name", rec.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.files[fid] = rec
	}
	s.mu.Unlock()

	if remoteID := s.store.RemoteID(id); remoteID != "" {
		if err := s.remote.DeleteFolder(ctx, remoteID); err != nil {
			s.logger.Warn("deleting remote folder failed",
				slog.String("folder_id", id),
				slog.String("error", err.Error()),
			)
		}

		if err := s.store.DeleteRemoteID(id); err != nil {
			s.logger.Warn("dropping sync mapping failed",
				slog.String("folder_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.engine.NotifyChanged()

	return nil
}

// RenameFolder changes a folder's display name.
func (s *Service) RenameFolder(ctx context.Context, id, name string) error {
	s.mu.Lock()

	idx := -1

	for i, folder := range s.folders {
		if folder.ID == id {
			idx = i
			break
		}
	}

	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("folder %s: %w", id, dserrors.ErrNotFound)
	}

	snapshot := append([]models.FolderRecord(nil), s.folders...)
	snapshot[idx].Name = name

	if err := s.store.SaveFolders(snapshot); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("saving folders: %w", err)
	}

	s.folders = snapshot
	s.mu.Unlock()

	if remoteID := s.store.RemoteID(id); remoteID != "" {
		if err := s.remote.RenameFolder(ctx, remoteID, name); err != nil {
			s.logger.Warn("renaming remote folder failed",
				slog.String("folder_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.engine.NotifyChanged()

	return nil
}

// MoveFile reassigns a file to a folder. An empty folder id means the
// root. The target folder must exist.
func (s *Service) MoveFile(ctx context.Context, fileID, folderID string) error {
	s.mu.Lock()

	if folderID != "" && !s.folderExistsLocked(folderID) {
		s.mu.Unlock()
		return fmt.Errorf("folder %s: %w", folderID, dserrors.ErrNotFound)
	}

	rec, ok := s.files[fileID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("file %s: %w", fileID, dserrors.ErrNotFound)
	}

	rec.FolderID = folderID

	if err := s.store.PutFile(rec); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("saving file record: %w", err)
	}

	s.files[fileID] = rec
	s.mu.Unlock()

	if remoteID := s.store.RemoteID(fileID); remoteID != "" {
		remoteFolder := s.store.RemoteID(folderID)

		if folderID != "" && remoteFolder == "" {
			// The target folder has no remote counterpart yet; patching
			// now would point the remote row at the root. Leave it alone
			// until the folder has synced.
			s.logger.Debug("skipping remote move, folder not synced",
				slog.String("name", rec.Name),
				slog.String("folder_id", folderID),
			)
		} else if err := s.remote.UpdateFileRecord(ctx, remoteID, remote.FilePatch{FolderID: &remoteFolder}); err != nil {
			s.logger.Warn("moving remote file failed",
				slog.String("name", rec.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	s.engine.NotifyChanged()

	return nil
}

// ListFolders returns the folder list.
func (s *Service) ListFolders() []models.FolderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.FolderRecord(nil), s.folders...)
}

// ListFiles returns the files in a folder; an empty id means the root.
// Files whose folder reference dangles are listed under the root.
func (s *Service) ListFiles(folderID string) []models.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.FileRecord

	for _, rec := range s.files {
		effective := rec.FolderID
		if effective != "" && !s.folderExistsLocked(effective) {
			effective = ""
		}

		if effective == folderID {
			out = append(out, rec)
		}
	}

	return out
}

// Share grants access to a file or folder by recipient email.
func (s *Service) Share(ctx context.Context, targetID, recipientEmail string, permission models.Permission) (models.ShareGrant, error) {
	return s.ledger.Share(ctx, s.principalID, targetID, recipientEmail, permission)
}

// Revoke removes a recipient's grant on a target.
func (s *Service) Revoke(ctx context.Context, targetID, recipientID string) error {
	return s.ledger.Revoke(ctx, s.principalID, targetID, recipientID)
}

// ListGrants returns the grants on a target the caller owns.
func (s *Service) ListGrants(ctx context.Context, targetID string) ([]models.ShareGrant, error) {
	return s.ledger.ListGrants(ctx, s.principalID, targetID)
}

// ListSharedWithMe returns files other principals shared with the caller.
func (s *Service) ListSharedWithMe(ctx context.Context) ([]models.FileRecord, error) {
	return s.ledger.ListSharedWithMe(ctx, s.principalID)
}

// StorageUsage reports local byte consumption against the quota.
func (s *Service) StorageUsage() (StorageUsage, error) {
	used, err := s.store.Usage()
	if err != nil {
		return StorageUsage{}, fmt.Errorf("reading usage: %w", err)
	}

	usage := StorageUsage{UsedBytes: used}

	if quota := s.store.Quota(); quota > 0 {
		usage.QuotaBytes = &quota
	}

	return usage, nil
}

// SignOut ends the session: the sync map and cached token are cleared so
// the next session reconciles from scratch. Local content stays on the
// device.
func (s *Service) SignOut(context.Context) error {
	if err := s.engine.ClearState(); err != nil {
		return fmt.Errorf("clearing sync state: %w", err)
	}

	if err := s.store.SetToken(""); err != nil {
		return fmt.Errorf("clearing session token: %w", err)
	}

	s.logger.Info("signed out")

	return nil
}

func (s *Service) folderExistsLocked(id string) bool {
	for _, folder := range s.folders {
		if folder.ID == id {
			return true
		}
	}

	return false
}

// buildPreview extracts up to previewMaxChars of content for text-like
// MIME types; other types get no preview.
func buildPreview(mimeType string, data []byte) string {
	if !isTextLike(mimeType) || !utf8.Valid(data) {
		return ""
	}

	text := string(data)
	if utf8.RuneCountInString(text) <= previewMaxChars {
		return text
	}

	runes := []rune(text)

	return string(runes[:previewMaxChars])
}

func isTextLike(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}

	switch mimeType {
	case "application/json", "application/xml", "application/javascript":
		return true
	}

	return false
}
