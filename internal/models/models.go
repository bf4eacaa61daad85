// Package models defines the file, folder, sharing, and principal types
// shared by the local stores, the storage router, and the remote client.
package models

import "time"

// BlobLocation identifies which storage tier holds a file's authoritative
// bytes. A file's payload is retrievable through exactly one live location
// at any time.
type BlobLocation string

const (
	// LocationInline keeps the payload inside the local database record.
	LocationInline BlobLocation = "inline-local"

	// LocationDevice keeps the payload in a file under the device
	// storage directory.
	LocationDevice BlobLocation = "device-storage"

	// LocationRemote keeps the payload in the remote object store,
	// addressed by RemoteLocator.
	LocationRemote BlobLocation = "remote-object-store"
)

// Permission is the access level carried by a share grant.
type Permission string

const (
	PermissionView  Permission = "view"
	PermissionEdit  Permission = "edit"
	PermissionAdmin Permission = "admin"
)

// Valid reports whether p is one of the known permission levels.
func (p Permission) Valid() bool {
	switch p {
	case PermissionView, PermissionEdit, PermissionAdmin:
		return true
	}

	return false
}

// FileRecord represents one user file. The same shape is used for the
// local store rows and the remote metadata rows; ID is stable across both.
type FileRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`

	// FolderID references a FolderRecord. Empty means root. A dangling
	// reference is treated as root on read.
	FolderID string `json:"folder_id,omitempty"`

	// TextPreview holds up to previewMaxChars of textual content for
	// quick display, independent of where the full payload lives.
	TextPreview string `json:"text_preview,omitempty"`

	BlobLocation BlobLocation `json:"blob_location"`

	// DevicePath is the absolute payload file path when BlobLocation is
	// device-storage.
	DevicePath string `json:"device_path,omitempty"`

	// RemoteLocator addresses the payload in the remote object store
	// when BlobLocation is remote-object-store, or once the payload has
	// been uploaded by reconciliation.
	RemoteLocator string `json:"remote_locator,omitempty"`

	// Payload carries the raw bytes only while BlobLocation is
	// inline-local. For other locations it is nil; the designated store
	// owns the bytes.
	Payload []byte `json:"-"`

	// OwnerID and SharedWith are populated on remote rows only.
	OwnerID    string   `json:"owner_id,omitempty"`
	SharedWith []string `json:"shared_with,omitempty"`
}

// FolderRecord is a named, colored grouping of files. Folders never nest;
// the namespace is flat.
type FolderRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareGrant associates an owner, a target (file or folder id), a
// recipient principal, and a permission level. Grants live entirely in
// the remote store; there is no local cache.
type ShareGrant struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	TargetID    string     `json:"target_id"`
	RecipientID string     `json:"recipient_id"`
	Permission  Permission `json:"permission"`
	CreatedAt   time.Time  `json:"created_at"`

	// RecipientLabel is display metadata resolved at list time. It is
	// never persisted; lookup failures produce a placeholder instead.
	RecipientLabel string `json:"recipient_label,omitempty"`
}

// Principal is an authenticated identity used for ownership and access
// checks. Authentication itself is delegated to the identity provider.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
