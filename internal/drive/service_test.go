package drive

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/logging"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote/remotetest"
	"github.com/alexjbarnes/dropsync/internal/router"
	"github.com/alexjbarnes/dropsync/internal/sharing"
	"github.com/alexjbarnes/dropsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInlineMax = int64(1024)
	testDeviceMax = testInlineMax * 5
	testPrincipal = "owner-1"
)

type fakeEngine struct {
	mu       sync.Mutex
	notifies int
	cleared  bool
}

func (e *fakeEngine) NotifyChanged() {
	e.mu.Lock()
	e.notifies++
	e.mu.Unlock()
}

func (e *fakeEngine) ClearState() error {
	e.mu.Lock()
	e.cleared = true
	e.mu.Unlock()

	return nil
}

func (e *fakeEngine) notifyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.notifies
}

type fixture struct {
	store   *store.Store
	fake    *remotetest.Fake
	engine  *fakeEngine
	service *Service
}

func newFixture(t *testing.T, quota int64) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "db"), quota)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := remotetest.NewFake()
	logger := logging.NewNop()

	rt := router.New(logger,
		router.NewInlineTier(s, testInlineMax),
		router.NewDeviceTier(s, filepath.Join(t.TempDir(), "blobs"), testDeviceMax),
		router.NewRemoteTier(s, fake),
	)

	engine := &fakeEngine{}

	svc, err := NewService(s, rt, fake, sharing.NewLedger(fake, logger), engine, logger, testPrincipal)
	require.NoError(t, err)

	return &fixture{store: s, fake: fake, engine: engine, service: svc}
}

func TestAddFiles_RoutesAndBuildsPreview(t *testing.T) {
	f := newFixture(t, 0)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hello world")},
		{Name: "photo.jpg", MimeType: "image/jpeg", Data: make([]byte, 64)},
	})

	require.Len(t, added, 2)
	assert.Equal(t, models.LocationInline, added[0].BlobLocation)
	assert.Equal(t, "hello world", added[0].TextPreview)
	assert.Empty(t, added[1].TextPreview, "binary files get no preview")

	assert.Equal(t, 1, f.engine.notifyCount(), "one nudge per batch")

	files, err := f.store.AllFiles()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestAddFiles_PreviewCappedAt500Chars(t *testing.T) {
	f := newFixture(t, 0)

	long := strings.Repeat("x", 999)
	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "long.txt", MimeType: "text/plain", Data: []byte(long)},
	})

	require.Len(t, added, 1)
	assert.Len(t, added[0].TextPreview, previewMaxChars)
}

func TestAddFiles_FailedItemDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, 0)

	// The oversized upload must go to the remote tier, which is failing;
	// the small one stays local and succeeds.
	f.fake.Err = assert.AnError

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "huge.bin", MimeType: "application/octet-stream", Data: make([]byte, int(testDeviceMax)+1)},
		{Name: "small.txt", MimeType: "text/plain", Data: []byte("ok")},
	})

	require.Len(t, added, 1)
	assert.Equal(t, "small.txt", added[0].Name)
}

func TestRemoveFile_UnknownIDIsNoOp(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.service.RemoveFile(context.Background(), "missing"))
	assert.Zero(t, f.engine.notifyCount())
}

func TestRemoveFile_DeletesDevicePayloadFile(t *testing.T) {
	f := newFixture(t, 0)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "medium.bin", MimeType: "application/octet-stream", Data: make([]byte, int(testInlineMax)+1)},
	})
	require.Len(t, added, 1)
	require.FileExists(t, added[0].DevicePath)

	require.NoError(t, f.service.RemoveFile(context.Background(), added[0].ID))

	assert.NoFileExists(t, added[0].DevicePath)

	files, err := f.store.AllFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRemoveFile_PropagatesToRemoteWhenMapped(t *testing.T) {
	f := newFixture(t, 0)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hi")},
	})
	require.Len(t, added, 1)

	// Simulate a completed reconciliation pass.
	f.fake.Files = []models.FileRecord{{ID: "rfile-9", Name: "notes.txt"}}
	require.NoError(t, f.store.SetRemoteID(added[0].ID, "rfile-9"))

	require.NoError(t, f.service.RemoveFile(context.Background(), added[0].ID))

	assert.Empty(t, f.fake.Files)
	assert.Empty(t, f.store.RemoteID(added[0].ID))
}

func TestCreateFolder_Persists(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "blue")
	require.NoError(t, err)
	assert.NotEmpty(t, folder.ID)

	saved := f.store.LoadFolders()
	require.Len(t, saved, 1)
	assert.Equal(t, "Docs", saved[0].Name)
	assert.Equal(t, "blue", saved[0].Color)
}

func TestDeleteFolder_ReparentsFilesToRoot(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.NoError(t, err)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "inside.txt", MimeType: "text/plain", FolderID: folder.ID, Data: []byte("x")},
	})
	require.Len(t, added, 1)

	require.NoError(t, f.service.DeleteFolder(context.Background(), folder.ID))

	assert.Empty(t, f.store.LoadFolders())

	files, err := f.store.AllFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Empty(t, files[0].FolderID, "contained files survive at the root")
}

func TestDeleteFolder_UnknownIDNotFound(t *testing.T) {
	f := newFixture(t, 0)

	err := f.service.DeleteFolder(context.Background(), "missing")
	assert.ErrorIs(t, err, dserrors.ErrNotFound)
}

func TestRenameFolder_UpdatesLocalAndRemote(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.NoError(t, err)

	f.fake.Folders = []models.FolderRecord{{ID: "rfolder-1", Name: "Docs"}}
	require.NoError(t, f.store.SetRemoteID(folder.ID, "rfolder-1"))

	require.NoError(t, f.service.RenameFolder(context.Background(), folder.ID, "Documents"))

	saved := f.store.LoadFolders()
	require.Len(t, saved, 1)
	assert.Equal(t, "Documents", saved[0].Name)
	assert.Equal(t, "Documents", f.fake.Folders[0].Name)
}

func TestMoveFile_UnknownTargetFolderNotFound(t *testing.T) {
	f := newFixture(t, 0)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")},
	})
	require.Len(t, added, 1)

	err := f.service.MoveFile(context.Background(), added[0].ID, "missing")
	assert.ErrorIs(t, err, dserrors.ErrNotFound)
}

func TestMoveFile_BetweenFolderAndRoot(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.NoError(t, err)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")},
	})
	require.Len(t, added, 1)

	require.NoError(t, f.service.MoveFile(context.Background(), added[0].ID, folder.ID))

	inFolder := f.service.ListFiles(folder.ID)
	require.Len(t, inFolder, 1)

	require.NoError(t, f.service.MoveFile(context.Background(), added[0].ID, ""))

	assert.Empty(t, f.service.ListFiles(folder.ID))
	assert.Len(t, f.service.ListFiles(""), 1)
}

func TestListFiles_DanglingFolderReferenceListsUnderRoot(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.store.PutFile(models.FileRecord{
		ID:           "f1",
		Name:         "orphan.txt",
		FolderID:     "gone",
		BlobLocation: models.LocationInline,
		Payload:      []byte("x"),
	}))

	svc, err := NewService(f.store, f.service.router, f.fake, f.service.ledger, f.engine, logging.NewNop(), testPrincipal)
	require.NoError(t, err)

	root := svc.ListFiles("")
	require.Len(t, root, 1)
	assert.Equal(t, "orphan.txt", root[0].Name)
}

func TestStorageUsage_QuotaNilWhenUnknown(t *testing.T) {
	f := newFixture(t, 0)

	usage, err := f.service.StorageUsage()
	require.NoError(t, err)
	assert.Nil(t, usage.QuotaBytes)
}

func TestStorageUsage_ReportsUsedAndQuota(t *testing.T) {
	f := newFixture(t, 1<<20)

	f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hello")},
	})

	usage, err := f.service.StorageUsage()
	require.NoError(t, err)
	assert.Positive(t, usage.UsedBytes)
	require.NotNil(t, usage.QuotaBytes)
	assert.Equal(t, int64(1<<20), *usage.QuotaBytes)
}

func TestStorageUsage_CountsDeviceRoutedPayloads(t *testing.T) {
	f := newFixture(t, 1<<20)

	before, err := f.service.StorageUsage()
	require.NoError(t, err)

	// Above the inline threshold, so the payload lands as a file in
	// device storage rather than in the database.
	payload := make([]byte, 3072)
	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "big.bin", MimeType: "application/octet-stream", Data: payload},
	})
	require.Len(t, added, 1)
	require.Equal(t, models.LocationDevice, added[0].BlobLocation)

	after, err := f.service.StorageUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.UsedBytes-before.UsedBytes, int64(len(payload)),
		"reported usage grows by at least the payload size")
}

func TestMoveFile_SkipsRemotePatchWhenFolderNotSynced(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.NoError(t, err)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")},
	})
	require.Len(t, added, 1)

	// The file has synced but the folder has not; patching the remote row
	// now would point it at the root.
	f.fake.Files = []models.FileRecord{{ID: "rfile-1", Name: "notes.txt"}}
	require.NoError(t, f.store.SetRemoteID(added[0].ID, "rfile-1"))

	require.NoError(t, f.service.MoveFile(context.Background(), added[0].ID, folder.ID))

	assert.Zero(t, f.fake.Calls("UpdateFileRecord"))
	assert.Empty(t, f.fake.Files[0].FolderID, "remote row untouched until the folder syncs")
	assert.Len(t, f.service.ListFiles(folder.ID), 1, "the local move still happened")
}

func TestCreateFolder_WriteFailureLeavesProjectionUnchanged(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.store.Close())

	_, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.Error(t, err)

	assert.Empty(t, f.service.ListFolders())
	assert.Zero(t, f.engine.notifyCount())
}

func TestRenameFolder_WriteFailureLeavesProjectionUnchanged(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.NoError(t, err)

	require.NoError(t, f.store.Close())

	require.Error(t, f.service.RenameFolder(context.Background(), folder.ID, "Documents"))

	folders := f.service.ListFolders()
	require.Len(t, folders, 1)
	assert.Equal(t, "Docs", folders[0].Name)
}

func TestMoveFile_WriteFailureLeavesProjectionUnchanged(t *testing.T) {
	f := newFixture(t, 0)

	folder, err := f.service.CreateFolder(context.Background(), "Docs", "")
	require.NoError(t, err)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")},
	})
	require.Len(t, added, 1)

	require.NoError(t, f.store.Close())

	require.Error(t, f.service.MoveFile(context.Background(), added[0].ID, folder.ID))

	assert.Empty(t, f.service.ListFiles(folder.ID))
	assert.Len(t, f.service.ListFiles(""), 1, "the file stays where the store has it")
}

func TestRemoveFile_WriteFailureKeepsProjection(t *testing.T) {
	f := newFixture(t, 0)

	added := f.service.AddFiles(context.Background(), []Upload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")},
	})
	require.Len(t, added, 1)

	require.NoError(t, f.store.Close())

	require.Error(t, f.service.RemoveFile(context.Background(), added[0].ID))

	assert.Len(t, f.service.ListFiles(""), 1)
}

func TestSignOut_ClearsSessionAndSyncState(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.store.SetToken("session-token"))

	require.NoError(t, f.service.SignOut(context.Background()))

	assert.True(t, f.engine.cleared)
	assert.Empty(t, f.store.Token())
}
