// Package chatterbox provides the Go client core for the Chatterbox
// messaging backend: REST collaborators, the realtime channel, and the
// messaging and call-signaling state machines built on top of it.
//
// Example:
//
//	client := chatterbox.NewClient("", chatterbox.WithBaseURL("https://chat.example.com"))
//	auth, _ := client.Account.Login(ctx, &chatterbox.LoginOptions{Email: "a@example.com", Password: "..."})
//
//	channel := client.Realtime.Channel(&chatterbox.ChannelConfig{AutoReconnect: true})
//	_ = channel.Connect(ctx)
//
//	chat := chatterbox.NewChat(&chatterbox.ChatConfig{
//		Self:          auth.User,
//		Transport:     channel,
//		History:       client.Messages,
//		Conversations: client.Conversations,
//	})
//	_ = chat.Session.EnterConversation(ctx, "conv-1")
//	out, _ := chat.Messenger.SendMessage(ctx, "hi", nil)
//	msg, err := out.Wait(ctx)
package chatterbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://chat.chatterbox.im"
	DefaultTimeout = 30 * time.Second

	// refreshWindow is how close to expiry a token is refreshed before use.
	refreshWindow = 60 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logrus.FieldLogger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	autoRefresh bool
	refreshing  bool

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Contacts      *ContactsClient
	Files         *FilesClient
	Realtime      *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithAutoRefresh refreshes the bearer token before requests when it is
// about to expire.
func WithAutoRefresh(enabled bool) ClientOption {
	return func(c *Client) { c.autoRefresh = enabled }
}

// NewClient creates a new client. token may be "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}
	c.logger = componentLogger(c.logger, "rest")

	c.Account = &AccountClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Contacts = &ContactsClient{client: c}
	c.Files = &FilesClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TokenExpiry returns the exp claim of a JWT. The signature is not
// verified; the server remains the authority.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) ensureFreshToken(ctx context.Context) {
	c.mu.Lock()
	if !c.autoRefresh || c.refreshing || c.token == "" {
		c.mu.Unlock()
		return
	}
	exp, err := TokenExpiry(c.token)
	if err != nil || exp.IsZero() || exp.Sub(c.now()) > refreshWindow {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()
	if _, err := c.Account.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("token refresh failed")
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	if path != refreshPath {
		c.ensureFreshToken(ctx)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("request")
	return io.ReadAll(resp.Body)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// doData performs a request and decodes the envelope data into out. A
// non-ok envelope becomes its *APIError.
func (c *Client) doData(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	res, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return &APIError{Code: "UNKNOWN", Message: method + " " + path + " failed"}
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

const refreshPath = "/api/auth/refresh"

// LoginOptions are the credentials of Login.
type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is returned by Login and Refresh.
type AuthResult struct {
	Token     string    `json:"token"`
	User      User      `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type wireAuth struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

// AccountClient handles authentication and identity.
type AccountClient struct{ client *Client }

// Login exchanges credentials for a token and stores it on the client.
func (a *AccountClient) Login(ctx context.Context, opts *LoginOptions) (*AuthResult, error) {
	return a.authenticate(ctx, "/api/auth/login", opts)
}

// Refresh renews the current token and stores the new one.
func (a *AccountClient) Refresh(ctx context.Context) (*AuthResult, error) {
	return a.authenticate(ctx, refreshPath, nil)
}

func (a *AccountClient) authenticate(ctx context.Context, path string, body interface{}) (*AuthResult, error) {
	var w wireAuth
	if err := a.client.doData(ctx, "POST", path, body, nil, &w); err != nil {
		return nil, err
	}
	if w.Token == "" {
		return nil, &APIError{Code: "INVALID_RESPONSE", Message: "no token in response"}
	}
	user, err := parseUser(w.User)
	if err != nil {
		return nil, err
	}
	a.client.SetToken(w.Token)
	res := &AuthResult{Token: w.Token, User: user}
	if exp, err := TokenExpiry(w.Token); err == nil {
		res.ExpiresAt = exp
	}
	return res, nil
}

// Me returns the authenticated user.
func (a *AccountClient) Me(ctx context.Context) (User, error) {
	var raw json.RawMessage
	if err := a.client.doData(ctx, "GET", "/api/users/me", nil, nil, &raw); err != nil {
		return User{}, err
	}
	return parseUser(raw)
}

// ConversationsClient handles the conversation list.
type ConversationsClient struct{ client *Client }

// List returns the conversations of the authenticated user.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	var raw []json.RawMessage
	if err := cv.client.doData(ctx, "GET", "/api/conversations", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(raw))
	for _, r := range raw {
		c, err := normalizeConversation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListConversations implements ConversationLister.
func (cv *ConversationsClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	return cv.List(ctx)
}

// MessagesClient handles message history.
type MessagesClient struct{ client *Client }

type wireHistory struct {
	Messages   []json.RawMessage `json:"messages"`
	Cursor     string            `json:"cursor"`
	NextCursor string            `json:"nextCursor"`
	HasMore    bool              `json:"hasMore"`
}

// History returns up to limit messages older than before, oldest first.
// An empty before returns the newest page.
func (m *MessagesClient) History(ctx context.Context, conversationID, before string, limit int) (*HistoryPage, error) {
	query := map[string]string{}
	if before != "" {
		query["before"] = before
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var w wireHistory
	if err := m.client.doData(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query, &w); err != nil {
		return nil, err
	}
	page := &HistoryPage{
		Cursor:  firstNonEmpty(w.NextCursor, w.Cursor),
		HasMore: w.HasMore,
	}
	for _, r := range w.Messages {
		msg, err := normalizeMessage(r)
		if err != nil {
			return nil, err
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if msg.State == "" {
			msg.State = StateSent
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// FetchHistory implements HistoryFetcher.
func (m *MessagesClient) FetchHistory(ctx context.Context, conversationID, before string) (*HistoryPage, error) {
	return m.History(ctx, conversationID, before, 0)
}

// ContactsClient handles contacts.
type ContactsClient struct{ client *Client }

// List returns the contacts of the authenticated user.
func (ct *ContactsClient) List(ctx context.Context) ([]User, error) {
	var raw []json.RawMessage
	if err := ct.client.doData(ctx, "GET", "/api/contacts", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(raw))
	for _, r := range raw {
		u, err := parseUser(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// ============================================================================
// Files
// ============================================================================

// MaxUploadSize is the largest attachment accepted by Upload.
const MaxUploadSize = 50 * 1024 * 1024

// PresignOptions describes a file about to be uploaded.
type PresignOptions struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// PresignResult is a signed upload target.
type PresignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	UploadID string `json:"uploadId"`
	CdnURL   string `json:"cdnUrl"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// UploadOptions configures Upload.
type UploadOptions struct {
	FileName   string
	MimeType   string
	OnProgress func(uploaded, total int64)
}

// FilesClient uploads attachments through signed URLs.
type FilesClient struct{ client *Client }

// Presign requests a signed upload URL.
func (f *FilesClient) Presign(ctx context.Context, opts *PresignOptions) (*PresignResult, error) {
	var res PresignResult
	if err := f.client.doData(ctx, "POST", "/api/files/presign", opts, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Confirm activates an uploaded file and returns it as an attachment.
func (f *FilesClient) Confirm(ctx context.Context, uploadID string) (Attachment, error) {
	var res confirmResult
	if err := f.client.doData(ctx, "POST", "/api/files/confirm", map[string]string{"uploadId": uploadID}, nil, &res); err != nil {
		return Attachment{}, err
	}
	return Attachment{URL: res.CdnURL, Name: res.FileName, Size: res.FileSize, MimeType: res.MimeType}, nil
}

// Upload runs presign, upload and confirm for data.
func (f *FilesClient) Upload(ctx context.Context, data []byte, opts *UploadOptions) (Attachment, error) {
	if opts == nil || opts.FileName == "" {
		return Attachment{}, fmt.Errorf("fileName is required when uploading bytes")
	}
	fileSize := int64(len(data))
	if fileSize > MaxUploadSize {
		return Attachment{}, fmt.Errorf("file exceeds maximum size of 50 MB")
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(opts.FileName)
	}

	presign, err := f.Presign(ctx, &PresignOptions{FileName: opts.FileName, FileSize: fileSize, MimeType: mimeType})
	if err != nil {
		return Attachment{}, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	external := strings.HasPrefix(presign.URL, "http")
	if external {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", opts.FileName)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Attachment{}, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !external {
		uploadURL = f.client.baseURL + presign.URL
	}
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external {
		f.client.setAuthHeaders(req)
	}

	resp, err := f.client.httpClient.Do(req)
	if err != nil {
		return Attachment{}, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Attachment{}, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}
	if opts.OnProgress != nil {
		opts.OnProgress(fileSize, fileSize)
	}

	att, err := f.Confirm(ctx, presign.UploadID)
	if err != nil {
		return Attachment{}, err
	}
	if att.MimeType == "" {
		att.MimeType = mimeType
	}
	return att, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".opus": "audio/opus",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient is the realtime channel factory.
type RealtimeClient struct{ client *Client }

// WSUrl returns the WebSocket URL for token.
func (r *RealtimeClient) WSUrl(token string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// Channel creates a channel authenticated with the client's current token
// unless config sets one. Every dial, reconnects included, reads the token
// again so a refreshed token is used. Call Connect to establish the
// connection.
func (r *RealtimeClient) Channel(config *ChannelConfig) *Channel {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" && cfg.TokenSource == nil {
		cfg.TokenSource = r.client.Token
	}
	if cfg.Logger == nil {
		cfg.Logger = r.client.logger
	}
	return NewChannel(r.client.baseURL, &cfg)
}
