// Package remotetest provides an in-memory fake of the remote service
// contract for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote"
)

// Fake is an in-memory Remote. Zero value is not usable; call NewFake.
type Fake struct {
	mu sync.Mutex

	Folders    []models.FolderRecord
	Files      []models.FileRecord
	Blobs      map[string][]byte
	Principals []models.Principal
	Grants     []models.ShareGrant
	SharedWith map[string][]string
	Owners     map[string]string

	// Err, when non-nil, fails every call with it.
	Err error

	// FailFolderNames fails CreateFolder for matching names, for
	// partial-failure isolation tests.
	FailFolderNames map[string]error

	// OnListFolders, when non-nil, runs at the start of ListFolders.
	// Lets tests block a reconciliation pass mid-flight.
	OnListFolders func()

	calls  map[string]int
	nextID int
}

// NewFake returns an empty fake remote.
func NewFake() *Fake {
	return &Fake{
		Blobs:           map[string][]byte{},
		SharedWith:      map[string][]string{},
		Owners:          map[string]string{},
		FailFolderNames: map[string]error{},
		calls:           map[string]int{},
	}
}

// Calls returns how many times the named method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[method]
}

func (f *Fake) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++

	return f.Err
}

func (f *Fake) newID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++

	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) ListFolders(_ context.Context) ([]models.FolderRecord, error) {
	if err := f.record("ListFolders"); err != nil {
		return nil, err
	}

	if f.OnListFolders != nil {
		f.OnListFolders()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]models.FolderRecord(nil), f.Folders...), nil
}

func (f *Fake) CreateFolder(_ context.Context, name, color string) (models.FolderRecord, error) {
	if err := f.record("CreateFolder"); err != nil {
		return models.FolderRecord{}, err
	}

	if err := f.FailFolderNames[name]; err != nil {
		return models.FolderRecord{}, err
	}

	folder := models.FolderRecord{
		ID:        f.newID("rfolder"),
		Name:      name,
		Color:     color,
		CreatedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	f.Folders = append(f.Folders, folder)
	f.mu.Unlock()

	return folder, nil
}

func (f *Fake) RenameFolder(_ context.Context, id, name string) error {
	if err := f.record("RenameFolder"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.Folders {
		if f.Folders[i].ID == id {
			f.Folders[i].Name = name
			return nil
		}
	}

	return dserrors.ErrNotFound
}

func (f *Fake) DeleteFolder(_ context.Context, id string) error {
	if err := f.record("DeleteFolder"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.Folders {
		if f.Folders[i].ID == id {
			f.Folders = append(f.Folders[:i], f.Folders[i+1:]...)
			return nil
		}
	}

	return dserrors.ErrNotFound
}

func (f *Fake) ListFiles(_ context.Context, folderID string) ([]models.FileRecord, error) {
	if err := f.record("ListFiles"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.FileRecord

	for _, file := range f.Files {
		if folderID == "" || file.FolderID == folderID {
			out = append(out, file)
		}
	}

	return out, nil
}

func (f *Fake) CreateFileRecord(_ context.Context, rec models.FileRecord) (models.FileRecord, error) {
	if err := f.record("CreateFileRecord"); err != nil {
		return models.FileRecord{}, err
	}

	rec.ID = f.newID("rfile")

	f.mu.Lock()
	f.Files = append(f.Files, rec)
	if rec.OwnerID != "" {
		f.Owners[rec.ID] = rec.OwnerID
	}
	f.mu.Unlock()

	return rec, nil
}

func (f *Fake) UpdateFileRecord(_ context.Context, id string, patch remote.FilePatch) error {
	if err := f.record("UpdateFileRecord"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.Files {
		if f.Files[i].ID == id {
			if patch.Name != nil {
				f.Files[i].Name = *patch.Name
			}

			if patch.FolderID != nil {
				f.Files[i].FolderID = *patch.FolderID
			}

			return nil
		}
	}

	return dserrors.ErrNotFound
}

func (f *Fake) DeleteFileRecord(_ context.Context, id string) error {
	if err := f.record("DeleteFileRecord"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.Files {
		if f.Files[i].ID == id {
			f.Files = append(f.Files[:i], f.Files[i+1:]...)
			return nil
		}
	}

	return dserrors.ErrNotFound
}

func (f *Fake) UploadBlob(_ context.Context, data []byte) (string, error) {
	if err := f.record("UploadBlob"); err != nil {
		return "", err
	}

	locator := f.newID("blob")

	f.mu.Lock()
	f.Blobs[locator] = append([]byte(nil), data...)
	f.mu.Unlock()

	return locator, nil
}

func (f *Fake) DownloadBlob(_ context.Context, locator string) ([]byte, error) {
	if err := f.record("DownloadBlob"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.Blobs[locator]
	if !ok {
		return nil, dserrors.ErrNotFound
	}

	return append([]byte(nil), data...), nil
}

func (f *Fake) DeleteBlob(_ context.Context, locator string) error {
	if err := f.record("DeleteBlob"); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.Blobs, locator)
	f.mu.Unlock()

	return nil
}

func (f *Fake) FindPrincipalByEmail(_ context.Context, email string) (models.Principal, error) {
	if err := f.record("FindPrincipalByEmail"); err != nil {
		return models.Principal{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.Principals {
		if p.Email == email {
			return p, nil
		}
	}

	return models.Principal{}, dserrors.ErrNotFound
}

func (f *Fake) Principal(_ context.Context, id string) (models.Principal, error) {
	if err := f.record("Principal"); err != nil {
		return models.Principal{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.Principals {
		if p.ID == id {
			return p, nil
		}
	}

	return models.Principal{}, dserrors.ErrNotFound
}

func (f *Fake) TargetOwner(_ context.Context, targetID string) (string, error) {
	if err := f.record("TargetOwner"); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	owner, ok := f.Owners[targetID]
	if !ok {
		return "", dserrors.ErrNotFound
	}

	return owner, nil
}

func (f *Fake) InsertGrant(_ context.Context, grant models.ShareGrant) error {
	if err := f.record("InsertGrant"); err != nil {
		return err
	}

	f.mu.Lock()
	f.Grants = append(f.Grants, grant)
	f.mu.Unlock()

	return nil
}

func (f *Fake) DeleteGrant(_ context.Context, targetID, recipientID string) error {
	if err := f.record("DeleteGrant"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, g := range f.Grants {
		if g.TargetID == targetID && g.RecipientID == recipientID {
			f.Grants = append(f.Grants[:i], f.Grants[i+1:]...)
			return nil
		}
	}

	return dserrors.ErrNotFound
}

func (f *Fake) GrantsForTarget(_ context.Context, targetID string) ([]models.ShareGrant, error) {
	if err := f.record("GrantsForTarget"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.ShareGrant

	for _, g := range f.Grants {
		if g.TargetID == targetID {
			out = append(out, g)
		}
	}

	return out, nil
}

func (f *Fake) SharedWithPrincipal(_ context.Context, principalID string) ([]models.FileRecord, error) {
	if err := f.record("SharedWithPrincipal"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.FileRecord

	for targetID, recipients := range f.SharedWith {
		for _, r := range recipients {
			if r != principalID {
				continue
			}

			for _, file := range f.Files {
				if file.ID == targetID {
					out = append(out, file)
				}
			}
		}
	}

	return out, nil
}

func (f *Fake) AppendSharedWith(_ context.Context, targetID, recipientID string) error {
	if err := f.record("AppendSharedWith"); err != nil {
		return err
	}

	f.mu.Lock()
	f.SharedWith[targetID] = append(f.SharedWith[targetID], recipientID)
	f.mu.Unlock()

	return nil
}

func (f *Fake) RemoveSharedWith(_ context.Context, targetID, recipientID string) error {
	if err := f.record("RemoveSharedWith"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	recipients := f.SharedWith[targetID]
	for i, r := range recipients {
		if r == recipientID {
			f.SharedWith[targetID] = append(recipients[:i], recipients[i+1:]...)
			return nil
		}
	}

	return nil
}

var _ remote.Remote = (*Fake)(nil)
