// Package remote defines the contract of the remote metadata and blob
// service and implements an HTTP client for it. The service itself is an
// external collaborator: authoritative row storage for files and folders,
// an object store for blobs, and the share grant tables, all keyed by an
// authenticated principal.
package remote

import (
	"context"

	"github.com/alexjbarnes/dropsync/internal/models"
)

// FilePatch is a partial update to a remote file record. Nil fields are
// left unchanged; a pointer to the empty string moves a file to root.
type FilePatch struct {
	Name     *string `json:"name,omitempty"`
	FolderID *string `json:"folder_id,omitempty"`
}

// Remote is the operation contract consumed by the reconciliation engine,
// the storage router, and the sharing ledger. All operations require an
// active principal and fail with ErrUnauthenticated without one.
type Remote interface {
	// Folder rows.
	ListFolders(ctx context.Context) ([]models.FolderRecord, error)
	CreateFolder(ctx context.Context, name, color string) (models.FolderRecord, error)
	RenameFolder(ctx context.Context, id, name string) error
	DeleteFolder(ctx context.Context, id string) error

	// File rows. folderID narrows ListFiles; empty means all files.
	ListFiles(ctx context.Context, folderID string) ([]models.FileRecord, error)
	CreateFileRecord(ctx context.Context, rec models.FileRecord) (models.FileRecord, error)
	UpdateFileRecord(ctx context.Context, id string, patch FilePatch) error
	DeleteFileRecord(ctx context.Context, id string) error

	// Object store.
	UploadBlob(ctx context.Context, data []byte) (string, error)
	DownloadBlob(ctx context.Context, locator string) ([]byte, error)
	DeleteBlob(ctx context.Context, locator string) error

	// Principals.
	FindPrincipalByEmail(ctx context.Context, email string) (models.Principal, error)
	Principal(ctx context.Context, id string) (models.Principal, error)

	// Share grant tables and the denormalized sharedWith list.
	TargetOwner(ctx context.Context, targetID string) (string, error)
	InsertGrant(ctx context.Context, grant models.ShareGrant) error
	DeleteGrant(ctx context.Context, targetID, recipientID string) error
	GrantsForTarget(ctx context.Context, targetID string) ([]models.ShareGrant, error)
	SharedWithPrincipal(ctx context.Context, principalID string) ([]models.FileRecord, error)
	AppendSharedWith(ctx context.Context, targetID, recipientID string) error
	RemoveSharedWith(ctx context.Context, targetID, recipientID string) error
}
