package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultAPIBase    = "https://www.googleapis.com/drive/v3"
	defaultUploadBase = "https://www.googleapis.com/upload/drive/v3"

	// rootFolderName is the single folder all synced data lives under, with
	// one subfolder per knowledge base.
	rootFolderName = "ElectroExpert_Cloud"

	folderMIMEType = "application/vnd.google-apps.folder"

	// settingsFileName is the optional settings object kept directly under
	// the sync root. A fresh machine can pick up its gateway key from it
	// after sign-in alone.
	settingsFileName = "electroexpert_settings.json"
)

// Client talks to the drive API. It caches the access token and the folder
// ids it has resolved. Safe for concurrent use.
type Client struct {
	ts            TokenSource
	httpClient    *http.Client
	apiBase       string
	uploadBase    string
	signinTimeout time.Duration

	mu        sync.Mutex
	token     Token
	rootID    string
	folderIDs map[string]string // collection id -> folder id
}

func NewClient(ts TokenSource, signinTimeout time.Duration) *Client {
	return NewClientWithBaseURL(ts, signinTimeout, defaultAPIBase, defaultUploadBase)
}

// NewClientWithBaseURL is used by tests to point the client at a local
// server.
func NewClientWithBaseURL(ts TokenSource, signinTimeout time.Duration, apiBase, uploadBase string) *Client {
	if signinTimeout <= 0 {
		signinTimeout = 15 * time.Second
	}
	return &Client{
		ts:            ts,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		apiBase:       strings.TrimSuffix(apiBase, "/"),
		uploadBase:    strings.TrimSuffix(uploadBase, "/"),
		signinTimeout: signinTimeout,
		folderIDs:     map[string]string{},
	}
}

// SignIn obtains a token, waiting at most the configured timeout for the
// user to complete the flow. A timeout means "not connected", not an error:
// the app keeps working locally.
func (c *Client) SignIn(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.signinTimeout)
	defer cancel()

	tok, err := c.ts.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("obtaining token: %w", err)
	}
	if tok.AccessToken == "" {
		return false, nil
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return true, nil
}

// Connected reports whether a usable token is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.valid()
}

// SignOut drops the token and the cached folder ids.
func (c *Client) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = Token{}
	c.rootID = ""
	c.folderIDs = map[string]string{}
}

type driveFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fileList struct {
	Files []driveFile `json:"files"`
}

// UploadAttachment writes one attachment into the folder for its collection,
// replacing any previous file of the same name. Content is the store's
// base64 form; it is decoded before upload.
func (c *Client) UploadAttachment(ctx context.Context, collectionName, fileName, mediaType, contentB64 string) error {
	folderID, err := c.collectionFolder(ctx, collectionName)
	if err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return fmt.Errorf("decoding %q: %w", fileName, err)
	}

	// Replace-by-name keeps the remote folder from accumulating stale copies.
	if existing, err := c.findFile(ctx, folderID, fileName); err == nil && existing != "" {
		if err := c.deleteFile(ctx, existing); err != nil {
			return err
		}
	}
	return c.uploadMultipart(ctx, folderID, fileName, mediaType, data)
}

// DeleteAttachment removes the remote copy of a file. Missing files are not
// an error.
func (c *Client) DeleteAttachment(ctx context.Context, collectionName, fileName string) error {
	folderID, err := c.collectionFolder(ctx, collectionName)
	if err != nil {
		return err
	}
	id, err := c.findFile(ctx, folderID, fileName)
	if err != nil || id == "" {
		return err
	}
	return c.deleteFile(ctx, id)
}

// RemoteSettings is the settings object optionally mirrored at the sync
// root.
type RemoteSettings struct {
	GatewayAPIKey string `json:"gateway_api_key,omitempty"`
}

// FindFile looks up a file by name directly under the sync root. An empty id
// with a nil error means the file does not exist yet.
func (c *Client) FindFile(ctx context.Context, name string) (string, error) {
	rootID, err := c.rootFolder(ctx)
	if err != nil {
		return "", err
	}
	return c.findFile(ctx, rootID, name)
}

// GetFileContent downloads the raw bytes of a file.
func (c *Client) GetFileContent(ctx context.Context, id string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.apiBase+"/files/"+id+"?alt=media", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downloading file: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FetchRemoteSettings retrieves the settings object if one has been uploaded.
// Absence returns (nil, nil): it just means "not configured yet".
func (c *Client) FetchRemoteSettings(ctx context.Context) (*RemoteSettings, error) {
	id, err := c.FindFile(ctx, settingsFileName)
	if err != nil || id == "" {
		return nil, err
	}
	data, err := c.GetFileContent(ctx, id)
	if err != nil {
		return nil, err
	}
	var s RemoteSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", settingsFileName, err)
	}
	return &s, nil
}

// collectionFolder resolves (creating as needed) the folder for a knowledge
// base under the sync root.
func (c *Client) collectionFolder(ctx context.Context, collectionName string) (string, error) {
	c.mu.Lock()
	if id, ok := c.folderIDs[collectionName]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	rootID, err := c.rootFolder(ctx)
	if err != nil {
		return "", err
	}
	id, err := c.ensureFolder(ctx, collectionName, rootID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.folderIDs[collectionName] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) rootFolder(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.rootID != "" {
		id := c.rootID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := c.ensureFolder(ctx, rootFolderName, "")
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.rootID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) ensureFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(name), folderMIMEType)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", parentID)
	}

	var list fileList
	if err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/files?q="+url.QueryEscape(query)+"&fields=files(id,name)", nil, &list); err != nil {
		return "", fmt.Errorf("searching for folder %q: %w", name, err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].ID, nil
	}

	meta := map[string]any{"name": name, "mimeType": folderMIMEType}
	if parentID != "" {
		meta["parents"] = []string{parentID}
	}
	body, _ := json.Marshal(meta)

	var created driveFile
	if err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/files", bytes.NewReader(body), &created); err != nil {
		return "", fmt.Errorf("creating folder %q: %w", name, err)
	}
	return created.ID, nil
}

func (c *Client) findFile(ctx context.Context, folderID, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQuery(name), folderID)

	var list fileList
	if err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/files?q="+url.QueryEscape(query)+"&fields=files(id,name)", nil, &list); err != nil {
		return "", fmt.Errorf("searching for file %q: %w", name, err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].ID, nil
}

func (c *Client) deleteFile(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.apiBase+"/files/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting file: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) uploadMultipart(ctx context.Context, folderID, name, mediaType string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := w.CreatePart(metaHeader)
	if err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]any{"name": name, "parents": []string{folderID}})
	if _, err := metaPart.Write(meta); err != nil {
		return err
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mediaType)
	mediaPart, err := w.CreatePart(mediaHeader)
	if err != nil {
		return err
	}
	if _, err := mediaPart.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.uploadBase+"/files?uploadType=multipart", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+w.Boundary())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %q: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("uploading %q: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if !tok.valid() {
		return nil, ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return req, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
