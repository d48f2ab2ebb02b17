package gopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/billing-gopay/internal/obs"
)

const (
	productionBaseURL = "https://gate.gopay.cz/api"
	sandboxBaseURL    = "https://gw.sandbox.gopay.com/api"

	tokenScope = "payment-all"
)

// Client is the RPC boundary to the GoPay gateway. A nil response with a
// nil error from PaymentStatus means the gateway answered with an empty
// body; transport and protocol failures surface as *APIError.
type Client interface {
	CreatePayment(ctx context.Context, req *PaymentRequest) (*StatusResponse, error)
	PaymentStatus(ctx context.Context, reference string) (*StatusResponse, error)
	CreateRecurrence(ctx context.Context, token string, req *PaymentRequest) (*StatusResponse, error)
}

// APIError is a transport or protocol level failure of a gateway call,
// distinct from a successful call whose payload carries gateway errors.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("gopay: %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("gopay: %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Config carries the gateway credentials and connection settings.
type Config struct {
	GoID         string
	ClientID     string
	ClientSecret string
	BaseURL      string
	TestMode     bool
	Timeout      time.Duration
}

// HTTPClient implements Client against the GoPay REST API with OAuth2
// client-credentials authentication and in-memory token caching.
type HTTPClient struct {
	cfg      Config
	http     *http.Client
	validate *validator.Validate

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewHTTPClient constructs a gateway client from the provided configuration.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
	}
}

// GoID returns the configured merchant identifier.
func (c *HTTPClient) GoID() string { return c.cfg.GoID }

// CreatePayment opens a new payment on the gateway.
func (c *HTTPClient) CreatePayment(ctx context.Context, req *PaymentRequest) (*StatusResponse, error) {
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, &APIError{Operation: "create_payment", Err: err}
	}
	return c.do(ctx, "create_payment", http.MethodPost, "/payments/payment", req)
}

// PaymentStatus fetches the authoritative payment state by transaction reference.
func (c *HTTPClient) PaymentStatus(ctx context.Context, reference string) (*StatusResponse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, &APIError{Operation: "payment_status", Err: errors.New("transaction reference is required")}
	}
	return c.do(ctx, "payment_status", http.MethodGet, "/payments/payment/"+url.PathEscape(reference), nil)
}

// CreateRecurrence submits an off-session charge against a previously
// authorized payment identified by token.
func (c *HTTPClient) CreateRecurrence(ctx context.Context, token string, req *PaymentRequest) (*StatusResponse, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &APIError{Operation: "create_recurrence", Err: errors.New("recurrence token is required")}
	}
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, &APIError{Operation: "create_recurrence", Err: err}
	}
	return c.do(ctx, "create_recurrence", http.MethodPost, "/payments/payment/"+url.PathEscape(token)+"/create-recurrence", req)
}

func (c *HTTPClient) do(ctx context.Context, operation, method, path string, body any) (*StatusResponse, error) {
	ctx, span := otel.Tracer("gopay.Client").Start(ctx, "GoPay."+operation)
	defer span.End()

	token, err := c.token(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Operation: operation, Err: err}
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, payload)
	if err != nil {
		return nil, &APIError{Operation: operation, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	result := "ok"
	if err != nil {
		result = "transport_error"
	}
	if obs.GatewayCallLatency != nil {
		obs.GatewayCallLatency.WithLabelValues(operation, result).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		span.RecordError(err)
		return nil, &APIError{Operation: operation, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// The gateway occasionally acknowledges with an empty body;
			// callers treat this as "wait for notification".
			return nil, nil
		}
		return nil, &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: "empty response"}
	}

	var parsed StatusResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: truncate(raw), Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || len(parsed.Errors) > 0 {
		// Gateway-level errors travel inside the envelope so callers can
		// classify them; only undecodable failures become APIError.
		return &parsed, nil
	}
	return nil, &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: truncate(raw)}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *HTTPClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", tokenScope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &APIError{Operation: "oauth_token", Err: err}
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &APIError{Operation: "oauth_token", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &APIError{Operation: "oauth_token", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Operation: "oauth_token", StatusCode: resp.StatusCode, Message: truncate(raw)}
	}
	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &APIError{Operation: "oauth_token", StatusCode: resp.StatusCode, Err: err}
	}
	if parsed.AccessToken == "" {
		return "", &APIError{Operation: "oauth_token", StatusCode: resp.StatusCode, Message: "missing access token"}
	}
	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	// refresh slightly early so an expiring token is never sent
	c.accessToken = parsed.AccessToken
	c.tokenExpiry = time.Now().Add(ttl - 30*time.Second)
	return c.accessToken, nil
}

func (c *HTTPClient) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base != "" {
		return base
	}
	if c.cfg.TestMode {
		return sandboxBaseURL
	}
	return productionBaseURL
}

func truncate(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 200 {
		return trimmed[:200] + "..."
	}
	return trimmed
}
