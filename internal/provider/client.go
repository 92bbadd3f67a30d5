// Package provider queries the payment provider for checkout and
// organization state and classifies its failures as transient or permanent.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"payment-sync-service/internal/config"
	"payment-sync-service/internal/fault"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payload"
)

const (
	defaultTimeoutMs = 10_000
	maxErrorBody     = 512
)

var (
	requestSuccessCounter   = metrics.GetOrCreateCounter(`provider_requests_total{result="success"}`)
	requestTransientCounter = metrics.GetOrCreateCounter(`provider_requests_total{result="transient"}`)
	requestPermanentCounter = metrics.GetOrCreateCounter(`provider_requests_total{result="permanent"}`)

	requestDurationHistogram = metrics.GetOrCreateHistogram(`provider_request_duration_milliseconds`)
)

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient authenticates with OAuth2 client credentials when a client id is
// configured and sends plain requests otherwise.
func NewClient(cfg config.Provider, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	httpClient := &http.Client{Timeout: timeout}
	if cfg.ClientID != "" {
		credentials := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		// the token endpoint gets the same timeout as regular calls
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		httpClient = credentials.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{baseURL: cfg.BaseURL, http: httpClient, logger: logger}
}

// GetCheckout returns the provider's current view of a checkout.
func (c *Client) GetCheckout(ctx context.Context, checkoutRef string) (*model.CheckoutSnapshot, error) {
	const op = "get checkout"

	var checkout payload.Checkout
	if err := c.get(ctx, op, "/checkout-intents/"+url.PathEscape(checkoutRef), &checkout); err != nil {
		return nil, err
	}

	return &model.CheckoutSnapshot{
		ID:         checkout.ID,
		State:      checkout.State,
		Amount:     decimal.New(checkout.Amount, -2),
		Date:       checkout.Date,
		ReceiptURL: checkout.ReceiptURL,
	}, nil
}

// GetOrganization returns the provider's directory entry for an association.
func (c *Client) GetOrganization(ctx context.Context, slug string) (*model.OrganizationSnapshot, error) {
	const op = "get organization"

	var org payload.Organization
	if err := c.get(ctx, op, "/organizations/"+url.PathEscape(slug), &org); err != nil {
		return nil, err
	}

	return &model.OrganizationSnapshot{
		Slug:       org.Slug,
		Name:       org.Name,
		City:       org.City,
		PostalCode: org.PostalCode,
		Category:   org.Category,
	}, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	startTime := time.Now()
	defer func() {
		requestDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		requestPermanentCounter.Inc()
		return fault.Permanent(op, errors.Wrap(err, "building request"))
	}
	req.Header.Set("Accept", "application/json")

	c.logger.DebugContext(ctx, "Calling provider", "op", op, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := errors.Errorf("provider answered %s: %s", resp.Status, string(body))

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.WarnContext(ctx, "Transient provider error", "op", op, "status", resp.StatusCode)
			requestTransientCounter.Inc()
			return fault.Transient(op, statusErr)
		}

		c.logger.ErrorContext(ctx, "Permanent provider error", "op", op, "status", resp.StatusCode)
		requestPermanentCounter.Inc()
		return fault.Permanent(op, statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		requestPermanentCounter.Inc()
		return fault.Permanent(op, errors.Wrap(err, "decoding provider response"))
	}

	requestSuccessCounter.Inc()
	return nil
}

func (c *Client) classifyTransportError(ctx context.Context, op string, err error) error {
	if isTransientTransport(err) {
		c.logger.WarnContext(ctx, "Provider unreachable", "op", op, "error", err)
		requestTransientCounter.Inc()
		return fault.Transient(op, err)
	}

	c.logger.ErrorContext(ctx, "Error calling provider", "op", op, "error", err)
	requestPermanentCounter.Inc()
	return fault.Permanent(op, errors.Wrap(err, "calling provider"))
}

// isTransientTransport reports timeouts, refused connections and DNS failures.
func isTransientTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
