package cleanup

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/config"
)

const (
	defaultTimeoutMs = 5_000
	maxErrorBody     = 512
)

// Client asks one sibling service to anonymize the data it holds for a user.
type Client struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(sibling config.Sibling, timeoutMs int, logger *slog.Logger) *Client {
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Client{
		name:    sibling.Name,
		baseURL: strings.TrimRight(sibling.BaseURL, "/"),
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:  logger.With("sibling", sibling.Name),
	}
}

func (c *Client) Name() string {
	return c.name
}

// AnonymizeUser fails on any network error or non-2xx answer.
func (c *Client) AnonymizeUser(ctx context.Context, userID uuid.UUID) error {
	url := c.baseURL + "/internal/users/" + userID.String() + "/anonymize"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "building anonymize request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.InfoContext(ctx, "Requesting user anonymization", "url", url)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error calling sibling service", "error", err)
		return errors.Wrapf(err, "calling %s", c.name)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.ErrorContext(ctx, "Sibling service refused anonymization", "status", resp.Status, "body", string(body))
		return errors.Errorf("%s answered %s", c.name, resp.Status)
	}

	c.logger.InfoContext(ctx, "Sibling service anonymized user", "status", resp.Status)
	return nil
}
