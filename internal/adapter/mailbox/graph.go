package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const (
	graphScope      = "https://graph.microsoft.com/.default"
	fileAttachment  = "#microsoft.graph.fileAttachment"
	messageSelect   = "id,internetMessageId,from,subject,receivedDateTime,hasAttachments"
	maxResponseSize = 64 << 20
)

// Config locates the mailbox and the push endpoint registered for it.
type Config struct {
	BaseURL         string
	Mailbox         string
	NotificationURL string
	ClientState     string
}

// GraphClient reads a Microsoft Graph mailbox and manages its change
// subscription. It implements domain.MailboxSource and
// domain.SubscriptionClient.
type GraphClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClientCredentialsHTTPClient returns an HTTP client that authenticates as
// the application with the OAuth2 client credentials grant.
func NewClientCredentialsHTTPClient(ctx context.Context, tokenURL, clientID, clientSecret string, timeout time.Duration) *http.Client {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	client := cc.Client(ctx)
	client.Timeout = timeout
	return client
}

func NewGraphClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *GraphClient {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &GraphClient{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "graph_mailbox"),
	}
}

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID                string       `json:"id"`
	InternetMessageID string       `json:"internetMessageId"`
	From              graphAddress `json:"from"`
	Subject           string       `json:"subject"`
	ReceivedDateTime  time.Time    `json:"receivedDateTime"`
	HasAttachments    bool         `json:"hasAttachments"`
}

func (m graphMessage) item() domain.SourceItem {
	return domain.SourceItem{
		ID:                m.ID,
		InternetMessageID: m.InternetMessageID,
		SenderAddress:     m.From.EmailAddress.Address,
		SenderName:        m.From.EmailAddress.Name,
		Subject:           m.Subject,
		ReceivedAt:        m.ReceivedDateTime,
		HasAttachments:    m.HasAttachments,
	}
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	IsInline     bool   `json:"isInline"`
	ContentBytes string `json:"contentBytes"`
}

// ListUnread returns up to limit unread inbox messages, oldest first.
func (c *GraphClient) ListUnread(ctx context.Context, limit int) ([]domain.SourceItem, error) {
	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$orderby", "receivedDateTime asc")
	q.Set("$top", strconv.Itoa(limit))
	q.Set("$select", messageSelect)

	var page struct {
		Value []graphMessage `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, c.userPath("mailFolders/inbox/messages")+"?"+q.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	items := make([]domain.SourceItem, len(page.Value))
	for i, m := range page.Value {
		items[i] = m.item()
	}
	return items, nil
}

func (c *GraphClient) GetItem(ctx context.Context, id string) (*domain.SourceItem, error) {
	var m graphMessage
	path := c.userPath("messages/"+url.PathEscape(id)) + "?$select=" + url.QueryEscape(messageSelect)
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	item := m.item()
	return &item, nil
}

// FetchAttachments returns the file attachments of a message. Inline images
// and attached mail items are skipped.
func (c *GraphClient) FetchAttachments(ctx context.Context, id string) ([]domain.SourceAttachment, error) {
	var page struct {
		Value []graphAttachment `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, c.userPath("messages/"+url.PathEscape(id)+"/attachments"), nil, &page); err != nil {
		return nil, fmt.Errorf("fetch attachments of %s: %w", id, err)
	}

	var out []domain.SourceAttachment
	for _, a := range page.Value {
		if a.ODataType != fileAttachment || a.IsInline {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(a.ContentBytes)
		if err != nil {
			return nil, domain.WrapPermanent(fmt.Errorf("decode attachment %q: %w", a.Name, err))
		}
		out = append(out, domain.SourceAttachment{Name: a.Name, ContentType: a.ContentType, Content: content})
	}
	return out, nil
}

// MarkConsumed flags the message as read so the poll skips it.
func (c *GraphClient) MarkConsumed(ctx context.Context, id string) error {
	body := map[string]bool{"isRead": true}
	if err := c.do(ctx, http.MethodPatch, c.userPath("messages/"+url.PathEscape(id)), body, nil); err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

type graphSubscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// Create registers a subscription for new inbox messages.
func (c *GraphClient) Create(ctx context.Context, expiry time.Time) (string, time.Time, error) {
	req := graphSubscription{
		ChangeType:         "created",
		NotificationURL:    c.cfg.NotificationURL,
		Resource:           "users/" + c.cfg.Mailbox + "/mailFolders('inbox')/messages",
		ExpirationDateTime: expiry.UTC(),
		ClientState:        c.cfg.ClientState,
	}
	var resp graphSubscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("create subscription: %w", err)
	}
	return resp.ID, resp.ExpirationDateTime, nil
}

// Renew extends an existing subscription.
func (c *GraphClient) Renew(ctx context.Context, id string, expiry time.Time) (time.Time, error) {
	req := graphSubscription{ExpirationDateTime: expiry.UTC()}
	var resp graphSubscription
	if err := c.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), req, &resp); err != nil {
		return time.Time{}, fmt.Errorf("renew subscription %s: %w", id, err)
	}
	return resp.ExpirationDateTime, nil
}

func (c *GraphClient) userPath(rest string) string {
	return "/users/" + url.PathEscape(c.cfg.Mailbox) + "/" + rest
}

func (c *GraphClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return domain.WrapPermanent(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return domain.WrapPermanent(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.WrapTransient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, msg)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return domain.WrapTransient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError classifies a Graph error response. Throttling and server errors
// are retried; 404 means the item is gone.
func statusError(code int, body []byte) error {
	err := fmt.Errorf("graph returned %d: %s", code, strings.TrimSpace(string(body)))
	switch {
	case code == http.StatusNotFound:
		return errors.Join(domain.ErrNotFound, err)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return domain.WrapTransient(err)
	case code == http.StatusUnauthorized:
		// Expired tokens are refreshed by the oauth2 transport on the next call.
		return domain.WrapTransient(err)
	default:
		return domain.WrapPermanent(err)
	}
}
