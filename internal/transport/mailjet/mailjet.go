package mailjet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shineum/mailjet-relay/internal/email"
	"github.com/shineum/mailjet-relay/internal/transport"
)

// Endpoint is the Mailjet v3 Send API URL.
const Endpoint = "https://api.mailjet.com/v3/send"

// Transport sends messages through the Mailjet v3 Send API, one HTTP POST
// per message, authenticated with the account's API key and secret.
//
// Credentials may be read concurrently. The setters are not synchronized
// with in-flight sends.
type Transport struct {
	key        string
	secret     string
	url        string
	httpClient *http.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the client used for API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = c
	}
}

// WithEndpoint points the transport at a different Send URL.
func WithEndpoint(url string) Option {
	return func(t *Transport) {
		t.url = url
	}
}

// New creates a Transport for the given API key and secret.
func New(key, secret string, opts ...Option) *Transport {
	t := &Transport{
		key:        key,
		secret:     secret,
		url:        Endpoint,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

// IsStarted always returns true; there is no connection to manage.
func (t *Transport) IsStarted() bool { return true }

// Start is a no-op.
func (t *Transport) Start() bool { return true }

// Stop is a no-op.
func (t *Transport) Stop() bool { return true }

// RegisterPlugin is a no-op; the transport emits no events.
func (t *Transport) RegisterPlugin(transport.Plugin) {}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "mailjet"
}

// Send posts msg to the Send API and returns the response as received.
//
// A request that never completes yields a *transport.Error with a zero
// StatusCode. A non-2xx answer yields the unread response together with a
// *transport.Error carrying the status. The caller owns the response body in
// both success and status-error cases. failedRecipients is never written.
func (t *Transport) Send(ctx context.Context, msg *email.Message, failedRecipients *[]string) (*http.Response, error) {
	if len(msg.From) == 0 {
		return nil, &transport.MalformedMessageError{Field: "from address"}
	}

	body, err := json.Marshal(BuildPayload(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(t.key, t.secret)

	slog.Debug("sending message via Mailjet",
		"recipients", FormatRecipients(msg),
		"subject", msg.Subject,
		"parts", len(msg.Children),
	)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &transport.Error{Transport: t.Name(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &transport.Error{Transport: t.Name(), StatusCode: resp.StatusCode}
	}

	return resp, nil
}

// Key returns the API key.
func (t *Transport) Key() string {
	return t.key
}

// SetKey replaces the API key.
func (t *Transport) SetKey(key string) {
	t.key = key
}

// Secret returns the API secret.
func (t *Transport) Secret() string {
	return t.secret
}

// SetSecret replaces the API secret.
func (t *Transport) SetSecret(secret string) {
	t.secret = secret
}

// Endpoint returns the URL requests are posted to.
func (t *Transport) Endpoint() string {
	return t.url
}
