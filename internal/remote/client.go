package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxMetadataResponseBytes caps metadata response body reads.
	maxMetadataResponseBytes = 4 * 1024 * 1024

	// maxBlobResponseBytes caps blob download reads. Anything the local
	// tiers rejected for size still has to fit in memory on the way down.
	maxBlobResponseBytes = 256 * 1024 * 1024
)

// TokenFunc supplies the current session token. Returning empty string
// means no active principal.
type TokenFunc func() string

// Client talks to the remote metadata and blob service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      TokenFunc
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for the service at baseURL. If httpClient is
// nil, a client with a 30-second timeout and same-host redirect policy is
// created. token supplies the active principal's session token per call.
func NewClient(httpClient *http.Client, baseURL string, token TokenFunc) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying on a later pass.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// statusError maps a non-200 response to the error taxonomy.
func statusError(endpoint string, code int, body []byte) error {
	msg := gjson.GetBytes(body, "error").Str
	if msg == "" {
		msg = sanitizeResponseBody(body)
	}

	detail := fmt.Sprintf("remote %s (%d): %s", endpoint, code, msg)

	// The server's message rides along with the sentinel so callers can
	// both classify the failure and log what the service actually said.
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", detail, dserrors.ErrUnauthenticated)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", detail, dserrors.ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, dserrors.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", detail, dserrors.ErrAlreadyExists)
	}

	if isTransientStatus(code) {
		return &dserrors.TransientError{Err: errors.New(detail)}
	}

	return errors.New(detail)
}

// do sends an authenticated POST and returns the raw response body.
// contentType is "application/json" unless raw blob bytes are sent.
func (c *Client) do(ctx context.Context, endpoint, contentType string, body []byte, maxResponse int64) ([]byte, error) {
	token := c.token()
	if token == "" {
		return nil, fmt.Errorf("remote %s: %w", endpoint, dserrors.ErrUnauthenticated)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &dserrors.TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, &dserrors.TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(endpoint, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// postJSON marshals body, sends it, and decodes the response into result
// when result is non-nil.
func (c *Client) postJSON(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	respBody, err := c.do(ctx, endpoint, "application/json", payload, maxMetadataResponseBytes)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

type idRequest struct {
	ID string `json:"id"`
}

type targetRecipientRequest struct {
	TargetID    string `json:"target_id"`
	RecipientID string `json:"recipient_id"`
}

// ListFolders returns all folder rows owned by the active principal.
func (c *Client) ListFolders(ctx context.Context) ([]models.FolderRecord, error) {
	var resp struct {
		Folders []models.FolderRecord `json:"folders"`
	}
	if err := c.postJSON(ctx, "/folders/list", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	return resp.Folders, nil
}

// CreateFolder creates a folder row and returns it with the remote id.
func (c *Client) CreateFolder(ctx context.Context, name, color string) (models.FolderRecord, error) {
	req := struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}{Name: name, Color: color}

	var folder models.FolderRecord
	if err := c.postJSON(ctx, "/folders/create", req, &folder); err != nil {
		return models.FolderRecord{}, fmt.Errorf("creating folder: %w", err)
	}

	return folder, nil
}

// RenameFolder renames a folder row.
func (c *Client) RenameFolder(ctx context.Context, id, name string) error {
	req := struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{ID: id, Name: name}

	if err := c.postJSON(ctx, "/folders/rename", req, nil); err != nil {
		return fmt.Errorf("renaming folder: %w", err)
	}

	return nil
}

// DeleteFolder deletes a folder row.
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	if err := c.postJSON(ctx, "/folders/delete", idRequest{ID: id}, nil); err != nil {
		return fmt.Errorf("deleting folder: %w", err)
	}

	return nil
}

// ListFiles returns the principal's file rows, narrowed to a folder when
// folderID is non-empty.
func (c *Client) ListFiles(ctx context.Context, folderID string) ([]models.FileRecord, error) {
	req := struct {
		FolderID string `json:"folder_id,omitempty"`
	}{FolderID: folderID}

	var resp struct {
		Files []models.FileRecord `json:"files"`
	}
	if err := c.postJSON(ctx, "/files/list", req, &resp); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	return resp.Files, nil
}

// CreateFileRecord creates a file metadata row and returns it with the
// remote id.
func (c *Client) CreateFileRecord(ctx context.Context, rec models.FileRecord) (models.FileRecord, error) {
	var created models.FileRecord
	if err := c.postJSON(ctx, "/files/create", rec, &created); err != nil {
		return models.FileRecord{}, fmt.Errorf("creating file record: %w", err)
	}

	return created, nil
}

// UpdateFileRecord applies a partial update to a file row.
func (c *Client) UpdateFileRecord(ctx context.Context, id string, patch FilePatch) error {
	req := struct {
		ID    string    `json:"id"`
		Patch FilePatch `json:"patch"`
	}{ID: id, Patch: patch}

	if err := c.postJSON(ctx, "/files/update", req, nil); err != nil {
		return fmt.Errorf("updating file record: %w", err)
	}

	return nil
}

// DeleteFileRecord deletes a file row.
func (c *Client) DeleteFileRecord(ctx context.Context, id string) error {
	if err := c.postJSON(ctx, "/files/delete", idRequest{ID: id}, nil); err != nil {
		return fmt.Errorf("deleting file record: %w", err)
	}

	return nil
}

// UploadBlob stores raw bytes in the object store and returns a locator.
func (c *Client) UploadBlob(ctx context.Context, data []byte) (string, error) {
	respBody, err := c.do(ctx, "/blobs/upload", "application/octet-stream", data, maxMetadataResponseBytes)
	if err != nil {
		return "", fmt.Errorf("uploading blob: %w", err)
	}

	locator := gjson.GetBytes(respBody, "locator").Str
	if locator == "" {
		return "", fmt.Errorf("uploading blob: response missing locator")
	}

	return locator, nil
}

// DownloadBlob fetches the bytes behind a locator.
func (c *Client) DownloadBlob(ctx context.Context, locator string) ([]byte, error) {
	req, err := json.Marshal(struct {
		Locator string `json:"locator"`
	}{Locator: locator})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	data, err := c.do(ctx, "/blobs/download", "application/json", req, maxBlobResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("downloading blob: %w", err)
	}

	return data, nil
}

// DeleteBlob removes the bytes behind a locator.
func (c *Client) DeleteBlob(ctx context.Context, locator string) error {
	req := struct {
		Locator string `json:"locator"`
	}{Locator: locator}

	if err := c.postJSON(ctx, "/blobs/delete", req, nil); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}

	return nil
}

// FindPrincipalByEmail resolves a principal by email. Fails with
// ErrNotFound when no account matches.
func (c *Client) FindPrincipalByEmail(ctx context.Context, email string) (models.Principal, error) {
	req := struct {
		Email string `json:"email"`
	}{Email: email}

	var p models.Principal
	if err := c.postJSON(ctx, "/principals/find", req, &p); err != nil {
		return models.Principal{}, fmt.Errorf("finding principal: %w", err)
	}

	return p, nil
}

// Principal fetches display metadata for a principal id.
func (c *Client) Principal(ctx context.Context, id string) (models.Principal, error) {
	var p models.Principal
	if err := c.postJSON(ctx, "/principals/get", idRequest{ID: id}, &p); err != nil {
		return models.Principal{}, fmt.Errorf("fetching principal: %w", err)
	}

	return p, nil
}

// TargetOwner returns the owner principal id of a file or folder row.
func (c *Client) TargetOwner(ctx context.Context, targetID string) (string, error) {
	req := struct {
		TargetID string `json:"target_id"`
	}{TargetID: targetID}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshalling request body: %w", err)
	}

	respBody, err := c.do(ctx, "/targets/owner", "application/json", payload, maxMetadataResponseBytes)
	if err != nil {
		return "", fmt.Errorf("resolving target owner: %w", err)
	}

	return gjson.GetBytes(respBody, "owner_id").Str, nil
}

// InsertGrant inserts a share grant row.
func (c *Client) InsertGrant(ctx context.Context, grant models.ShareGrant) error {
	if err := c.postJSON(ctx, "/grants/insert", grant, nil); err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}

	return nil
}

// DeleteGrant removes the grant for a target/recipient pair.
func (c *Client) DeleteGrant(ctx context.Context, targetID, recipientID string) error {
	req := targetRecipientRequest{TargetID: targetID, RecipientID: recipientID}
	if err := c.postJSON(ctx, "/grants/delete", req, nil); err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}

	return nil
}

// GrantsForTarget lists grants on a target.
func (c *Client) GrantsForTarget(ctx context.Context, targetID string) ([]models.ShareGrant, error) {
	req := struct {
		TargetID string `json:"target_id"`
	}{TargetID: targetID}

	var resp struct {
		Grants []models.ShareGrant `json:"grants"`
	}
	if err := c.postJSON(ctx, "/grants/list", req, &resp); err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}

	return resp.Grants, nil
}

// SharedWithPrincipal lists targets where the principal is a recipient.
func (c *Client) SharedWithPrincipal(ctx context.Context, principalID string) ([]models.FileRecord, error) {
	req := struct {
		PrincipalID string `json:"principal_id"`
	}{PrincipalID: principalID}

	var resp struct {
		Targets []models.FileRecord `json:"targets"`
	}
	if err := c.postJSON(ctx, "/grants/shared-with", req, &resp); err != nil {
		return nil, fmt.Errorf("listing shared targets: %w", err)
	}

	return resp.Targets, nil
}

// AppendSharedWith adds a recipient to the target's denormalized
// sharedWith list.
func (c *Client) AppendSharedWith(ctx context.Context, targetID, recipientID string) error {
	req := targetRecipientRequest{TargetID: targetID, RecipientID: recipientID}
	if err := c.postJSON(ctx, "/targets/shared-with/append", req, nil); err != nil {
		return fmt.Errorf("appending sharedWith entry: %w", err)
	}

	return nil
}

// RemoveSharedWith removes a recipient from the target's denormalized
// sharedWith list.
func (c *Client) RemoveSharedWith(ctx context.Context, targetID, recipientID string) error {
	req := targetRecipientRequest{TargetID: targetID, RecipientID: recipientID}
	if err := c.postJSON(ctx, "/targets/shared-with/remove", req, nil); err != nil {
		return fmt.Errorf("removing sharedWith entry: %w", err)
	}

	return nil
}

var _ Remote = (*Client)(nil)
