// Package sync converges local authoritative state with the remote
// service in the background. Local mutations call NotifyChanged, which
// debounces into a single reconciliation pass; at most one pass runs at
// a time and at most one follow-up is queued, so bursts of changes
// collapse into one or two passes.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	stdsync "sync"
	"time"

	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote"
	"github.com/alexjbarnes/dropsync/internal/store"
)

// Engine is the reconciliation engine. Construct with NewEngine; start
// the lifecycle with Run.
type Engine struct {
	store    *store.Store
	remote   remote.Remote
	logger   *slog.Logger
	debounce time.Duration

	mu   stdsync.Mutex
	cond *stdsync.Cond

	// passCtx is the context reconciliation passes run under. Bound by
	// Run; Background until then so tests can drive the engine without
	// a lifecycle goroutine.
	passCtx context.Context

	timer *time.Timer

	// running marks a pass in flight; rerun queues exactly one
	// follow-up pass regardless of how many notifications arrive
	// mid-pass. Never a queue.
	running bool
	rerun   bool
}

// NewEngine creates an engine reconciling the given store against the
// remote service after each debounce window.
func NewEngine(s *store.Store, r remote.Remote, logger *slog.Logger, debounce time.Duration) *Engine {
	e := &Engine{
		store:    s,
		remote:   r,
		logger:   logger,
		debounce: debounce,
		passCtx:  context.Background(),
	}
	e.cond = stdsync.NewCond(&e.mu)

	return e
}

// Run binds the pass context and blocks until ctx is cancelled, then
// stops any pending debounce timer and waits for an in-flight pass.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.passCtx = ctx
	e.mu.Unlock()

	<-ctx.Done()

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	for e.running {
		e.cond.Wait()
	}
	e.mu.Unlock()

	return ctx.Err()
}

// NotifyChanged starts or restarts the debounce timer. Call after any
// local mutation; it never blocks.
func (e *Engine) NotifyChanged() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}

	e.timer = time.AfterFunc(e.debounce, e.firePass)
}

// firePass runs when the debounce window elapses. If a pass is already
// in flight it queues a single rerun instead of starting another.
func (e *Engine) firePass() {
	e.mu.Lock()
	e.timer = nil

	if e.running {
		e.rerun = true
		e.mu.Unlock()

		return
	}

	e.running = true
	ctx := e.passCtx
	e.mu.Unlock()

	go e.runPasses(ctx)
}

// runPasses executes reconciliation passes until no rerun is queued.
func (e *Engine) runPasses(ctx context.Context) {
	for {
		if err := e.reconcile(ctx); err != nil {
			// Background failures are silent to the user; the next
			// notification or feed event retries.
			e.logger.Warn("reconciliation pass failed", slog.String("error", err.Error()))
		}

		e.mu.Lock()
		if e.rerun && ctx.Err() == nil {
			e.rerun = false
			e.mu.Unlock()

			continue
		}

		e.running = false
		e.cond.Broadcast()
		e.mu.Unlock()

		return
	}
}

// Flush forces an immediate pass, superseding any pending debounce
// timer, and returns when the engine is idle. It gives callers (tests,
// shutdown) an observable completion handle for otherwise fire-and-forget
// mutations.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	for e.running {
		e.cond.Wait()
	}

	e.running = true
	e.mu.Unlock()

	var err error

	for {
		err = e.reconcile(ctx)

		e.mu.Lock()
		if e.rerun && ctx.Err() == nil {
			e.rerun = false
			e.mu.Unlock()

			continue
		}

		e.running = false
		e.cond.Broadcast()
		e.mu.Unlock()

		return err
	}
}

// ClearState drops the persisted local-id to remote-id map. Used on
// sign-out so a new session starts reconciliation from a clean slate.
func (e *Engine) ClearState() error {
	return e.store.ClearRemoteIDs()
}

// reconcile is one pass: folders first, then files, so a file's remote
// folder reference resolves within the same pass. A failed item is
// logged and skipped; it never aborts the rest of the pass.
func (e *Engine) reconcile(ctx context.Context) error {
	if err := e.reconcileFolders(ctx); err != nil {
		return err
	}

	return e.reconcileFiles(ctx)
}

func (e *Engine) reconcileFolders(ctx context.Context) error {
	local := e.store.LoadFolders()
	if len(local) == 0 {
		return nil
	}

	remoteFolders, err := e.remote.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing remote folders: %w", err)
	}

	byName := make(map[string]models.FolderRecord, len(remoteFolders))
	for _, rf := range remoteFolders {
		if _, ok := byName[rf.Name]; !ok {
			byName[rf.Name] = rf
		}
	}

	for _, folder := range local {
		if e.store.RemoteID(folder.ID) != "" {
			continue
		}

		// No mapping yet: adopt an existing remote row by name before
		// creating a new one, so re-syncs after a lost map don't
		// duplicate folders.
		if match, ok := byName[folder.Name]; ok {
			e.recordMapping(folder.ID, match.ID, "folder", folder.Name)
			continue
		}

		created, err := e.remote.CreateFolder(ctx, folder.Name, folder.Color)
		if err != nil {
			e.logger.Warn("syncing folder failed",
				slog.String("name", folder.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		byName[created.Name] = created
		e.recordMapping(folder.ID, created.ID, "folder", folder.Name)
	}

	return nil
}

func (e *Engine) reconcileFiles(ctx context.Context) error {
	files, err := e.store.AllFiles()
	if err != nil {
		return fmt.Errorf("loading local files: %w", err)
	}

	if len(files) == 0 {
		return nil
	}

	remoteFiles, err := e.remote.ListFiles(ctx, "")
	if err != nil {
		return fmt.Errorf("listing remote files: %w", err)
	}

	byName := make(map[string]models.FileRecord, len(remoteFiles))
	for _, rf := range remoteFiles {
		if _, ok := byName[rf.Name]; !ok {
			byName[rf.Name] = rf
		}
	}

	for _, file := range files {
		if e.store.RemoteID(file.ID) != "" {
			continue
		}

		if match, ok := byName[file.Name]; ok {
			e.recordMapping(file.ID, match.ID, "file", file.Name)
			continue
		}

		created, err := e.uploadFile(ctx, file)
		if err != nil {
			e.logger.Warn("syncing file failed",
				slog.String("name", file.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		byName[created.Name] = created
		e.recordMapping(file.ID, created.ID, "file", file.Name)
	}

	return nil
}

// uploadFile pushes a file's bytes (unless already in the remote object
// store) and creates its remote metadata row.
func (e *Engine) uploadFile(ctx context.Context, file models.FileRecord) (models.FileRecord, error) {
	locator := file.RemoteLocator

	if locator == "" {
		payload, err := e.payloadFor(file)
		if err != nil {
			return models.FileRecord{}, fmt.Errorf("reading payload: %w", err)
		}

		locator, err = e.remote.UploadBlob(ctx, payload)
		if err != nil {
			return models.FileRecord{}, fmt.Errorf("uploading blob: %w", err)
		}

		// Persist the locator so a failure after this point does not
		// re-upload the bytes on the next pass.
		file.RemoteLocator = locator
		if err := e.store.PutFile(file); err != nil {
			e.logger.Warn("persisting blob locator failed",
				slog.String("name", file.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	row := models.FileRecord{
		Name:          file.Name,
		SizeBytes:     file.SizeBytes,
		MimeType:      file.MimeType,
		FolderID:      e.store.RemoteID(file.FolderID),
		TextPreview:   file.TextPreview,
		BlobLocation:  models.LocationRemote,
		RemoteLocator: locator,
	}

	created, err := e.remote.CreateFileRecord(ctx, row)
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("creating remote record: %w", err)
	}

	return created, nil
}

// payloadFor resolves the authoritative bytes for a local record.
func (e *Engine) payloadFor(file models.FileRecord) ([]byte, error) {
	switch file.BlobLocation {
	case models.LocationInline:
		return file.Payload, nil
	case models.LocationDevice:
		return os.ReadFile(file.DevicePath)
	default:
		return nil, fmt.Errorf("no local payload for location %s", file.BlobLocation)
	}
}

func (e *Engine) recordMapping(localID, remoteID, kind, name string) {
	if err := e.store.SetRemoteID(localID, remoteID); err != nil {
		e.logger.Warn("persisting sync mapping failed",
			slog.String("kind", kind),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	e.logger.Debug("synced to remote",
		slog.String("kind", kind),
		slog.String("name", name),
		slog.String("remote_id", remoteID),
	)
}
