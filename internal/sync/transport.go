package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/models"
)

// Headers attached to every outbound operation request.
const (
	HeaderOperationID      = "X-Operation-Id"
	HeaderOwnerID          = "X-Owner-Id"
	HeaderConflictOverride = "X-Conflict-Override"
	ConflictOverrideValue  = "client-wins"
)

// DefaultRequestTimeout bounds a single send.
const DefaultRequestTimeout = 15 * time.Second

// maxResponseBody caps how much of a response body is kept for conflict data.
const maxResponseBody = 1 << 20

// TokenProvider returns a bearer token for requests made on behalf of an owner.
// An empty token means the request is sent without Authorization.
type TokenProvider interface {
	Token(ctx context.Context, ownerID string) (string, error)
}

// OwnerForgetter is implemented by senders and token providers that cache
// per-owner credentials.
type OwnerForgetter interface {
	Forget(ownerID string)
}

// Response is the server's answer to one operation send.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// HTTPError describes a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport delivers operations over HTTP.
type HTTPTransport struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
}

// NewHTTPTransport creates a transport. Relative operation endpoints are
// resolved against baseURL. tokens and httpClient may be nil.
func NewHTTPTransport(baseURL string, tokens TokenProvider, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

// Send issues the operation's request. Transport failures are returned as
// errors; any HTTP status, including 4xx and 5xx, is returned as a Response.
func (t *HTTPTransport) Send(ctx context.Context, op *models.Operation, override bool) (*Response, error) {
	target, err := t.resolve(op.Endpoint)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "bad endpoint "+op.Endpoint, err)
	}

	method := strings.ToUpper(strings.TrimSpace(op.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(op.Payload) > 0 && method != http.MethodGet {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderOperationID, op.ID)
	if op.OwnerID != "" {
		req.Header.Set(HeaderOwnerID, op.OwnerID)
	}
	if override {
		req.Header.Set(HeaderConflictOverride, ConflictOverrideValue)
	}
	if t.tokens != nil {
		token, err := t.tokens.Token(ctx, op.OwnerID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncTransport, "obtain token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransport, method+" "+target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransport, "read response", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func (t *HTTPTransport) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return endpoint, nil
	}
	if t.baseURL == "" {
		return "", fmt.Errorf("relative endpoint without base url")
	}
	return t.baseURL + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// Forget drops cached credentials for ownerID when the token provider keeps any.
func (t *HTTPTransport) Forget(ownerID string) {
	if f, ok := t.tokens.(OwnerForgetter); ok {
		f.Forget(ownerID)
	}
}
