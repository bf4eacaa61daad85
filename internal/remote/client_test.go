package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticToken(token string) TokenFunc {
	return func() string { return token }
}

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)

	return NewClient(srv.Client(), srv.URL, staticToken("test-token")), srv
}

func TestDo_EmptyTokenFailsBeforeDialing(t *testing.T) {
	dialed := false

	client, srv := newTestClient(func(http.ResponseWriter, *http.Request) {
		dialed = true
	})
	defer srv.Close()

	client.token = staticToken("")

	_, err := client.ListFolders(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrUnauthenticated)
	assert.False(t, dialed)
}

func TestDo_SendsBearerToken(t *testing.T) {
	var gotAuth string

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"folders":[]}`))
	})
	defer srv.Close()

	_, err := client.ListFolders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		target error
	}{
		{"unauthorized", http.StatusUnauthorized, dserrors.ErrUnauthenticated},
		{"forbidden", http.StatusForbidden, dserrors.ErrForbidden},
		{"not found", http.StatusNotFound, dserrors.ErrNotFound},
		{"conflict", http.StatusConflict, dserrors.ErrAlreadyExists},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.code)
			})
			defer srv.Close()

			_, err := client.ListFolders(context.Background())
			assert.ErrorIs(t, err, tc.target)
			assert.Contains(t, err.Error(), "nope", "the server's message survives the mapping")
		})
	}
}

func TestStatusMapping_ServerErrorsAreTransient(t *testing.T) {
	for _, code := range []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
	} {
		client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		})

		_, err := client.ListFolders(context.Background())
		assert.True(t, dserrors.IsTransient(err), "status %d must be transient", code)

		srv.Close()
	}
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := NewClient(nil, srv.URL, staticToken("test-token"))
	srv.Close() // connection refused from here on

	_, err := client.ListFolders(context.Background())
	assert.True(t, dserrors.IsTransient(err))
}

func TestCreateFolder_DecodesResponse(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/folders/create", r.URL.Path)

		var req struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Docs", req.Name)

		json.NewEncoder(w).Encode(models.FolderRecord{ID: "rfolder-1", Name: req.Name, Color: req.Color})
	})
	defer srv.Close()

	folder, err := client.CreateFolder(context.Background(), "Docs", "blue")
	require.NoError(t, err)
	assert.Equal(t, "rfolder-1", folder.ID)
	assert.Equal(t, "blue", folder.Color)
}

func TestUploadBlob_ParsesLocator(t *testing.T) {
	var gotContentType string
	var gotBody []byte

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blobs/upload", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)

		w.Write([]byte(`{"locator":"blob-42"}`))
	})
	defer srv.Close()

	locator, err := client.UploadBlob(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "blob-42", locator)
	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.Equal(t, []byte("payload"), gotBody)
}

func TestUploadBlob_MissingLocatorFails(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	_, err := client.UploadBlob(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing locator")
}

func TestDownloadBlob_ReturnsRawBytes(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blobs/download", r.URL.Path)
		w.Write([]byte{0x00, 0x01, 0xff})
	})
	defer srv.Close()

	data, err := client.DownloadBlob(context.Background(), "blob-42")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, data)
}

func TestTargetOwner_ExtractsField(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"owner_id":"principal-7"}`))
	})
	defer srv.Close()

	owner, err := client.TargetOwner(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Equal(t, "principal-7", owner)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	first, _ := http.NewRequest(http.MethodPost, "https://api.example.com/files/list", nil)

	sameHost, _ := http.NewRequest(http.MethodPost, "https://api.example.com/other", nil)
	assert.NoError(t, sameHostRedirectPolicy(sameHost, []*http.Request{first}))

	otherHost, _ := http.NewRequest(http.MethodPost, "https://evil.example.net/steal", nil)
	assert.Error(t, sameHostRedirectPolicy(otherHost, []*http.Request{first}))
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte{'a', 0x07, 'b'}))

	long := make([]byte, 1024)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitizeResponseBody(long), 256)
}
