package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/dropsync/internal/drive"
	"github.com/alexjbarnes/dropsync/internal/logging"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/alexjbarnes/dropsync/internal/remote/remotetest"
	"github.com/alexjbarnes/dropsync/internal/router"
	"github.com/alexjbarnes/dropsync/internal/server"
	"github.com/alexjbarnes/dropsync/internal/sharing"
	"github.com/alexjbarnes/dropsync/internal/store"
	syncengine "github.com/alexjbarnes/dropsync/internal/sync"
	"github.com/stretchr/testify/require"
)

const (
	testPrincipal = "owner-1"
	testInlineMax = int64(1024)
	testDeviceMax = testInlineMax * 5
)

// harness holds the full stack: real store, router, and reconciliation
// engine behind the HTTP API, with an in-memory fake standing in for the
// remote service.
type harness struct {
	URL    string
	Store  *store.Store
	Fake   *remotetest.Fake
	Engine *syncengine.Engine
	Client *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := remotetest.NewFake()
	fake.Principals = []models.Principal{
		{ID: testPrincipal, Email: "owner@example.com"},
		{ID: "friend-1", Email: "friend@example.com", Name: "Friend"},
	}

	logger := logging.NewNop()

	rt := router.New(logger,
		router.NewInlineTier(s, testInlineMax),
		router.NewDeviceTier(s, filepath.Join(t.TempDir(), "blobs"), testDeviceMax),
		router.NewRemoteTier(s, fake),
	)

	engine := syncengine.NewEngine(s, fake, logger, 20*time.Millisecond)
	ledger := sharing.NewLedger(fake, logger)

	svc, err := drive.NewService(s, rt, fake, ledger, engine, logger, testPrincipal)
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{Service: svc, Logger: logger}))
	t.Cleanup(srv.Close)

	return &harness{
		URL:    srv.URL,
		Store:  s,
		Fake:   fake,
		Engine: engine,
		Client: srv.Client(),
	}
}

// doJSON sends a JSON request and decodes the response into result when
// result is non-nil. Returns the status code.
func (h *harness) doJSON(t *testing.T, method, path string, body, result any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, h.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if result != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(result))
	}

	return resp.StatusCode
}

// flush forces a reconciliation pass and waits for it.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.Engine.Flush(context.Background()))
}

// addFile uploads one file through the API and returns its record.
func (h *harness) addFile(t *testing.T, name, mimeType, folderID string, data []byte) models.FileRecord {
	t.Helper()

	var added []models.FileRecord
	status := h.doJSON(t, http.MethodPost, "/api/files", []map[string]any{
		{"name": name, "mime_type": mimeType, "folder_id": folderID, "data": data},
	}, &added)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, added, 1)

	return added[0]
}

// createFolder creates a folder through the API.
func (h *harness) createFolder(t *testing.T, name, color string) models.FolderRecord {
	t.Helper()

	var folder models.FolderRecord
	status := h.doJSON(t, http.MethodPost, "/api/folders", map[string]string{
		"name": name, "color": color,
	}, &folder)
	require.Equal(t, http.StatusCreated, status)

	return folder
}
