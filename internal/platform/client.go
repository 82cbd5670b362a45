package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/utils"
)

// Subscription is the part of a platform subscription the ledger cares about.
type Subscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	ProductID  string `json:"product_id"`
	CustomerID string `json:"customer_id"`
}

// SubscriptionClient reads and writes subscriptions on the subscription
// platform. Customers are addressed by the ledger user ID, which the
// platform stores as the external customer ID.
type SubscriptionClient interface {
	GetActiveSubscription(ctx context.Context, externalCustomerID string) (Subscription, error)
	UpsertSubscription(ctx context.Context, externalCustomerID, productID string) (Subscription, error)
}

const pageLimit = 100

// PolarClient talks to the Polar REST API.
type PolarClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxTries   uint
	initial    time.Duration
	logger     *utils.Logger
}

// NewPolarClient builds a client from the mirror configuration
func NewPolarClient(cfg config.MirrorConfig) *PolarClient {
	return &PolarClient{
		baseURL:    strings.TrimRight(cfg.PlatformURL, "/"),
		token:      cfg.PlatformToken,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		maxTries:   4,
		initial:    250 * time.Millisecond,
		logger:     utils.NewLogger("platform"),
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *PolarClient) WithHTTPClient(hc *http.Client) *PolarClient {
	c.httpClient = hc
	return c
}

// WithRetry overrides the retry budget
func (c *PolarClient) WithRetry(maxTries uint, initial time.Duration) *PolarClient {
	c.maxTries = maxTries
	c.initial = initial
	return c
}

type subscriptionPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ProductID string `json:"product_id"`
	Customer  struct {
		ID         string `json:"id"`
		ExternalID string `json:"external_id"`
	} `json:"customer"`
}

func (p subscriptionPayload) toSubscription() Subscription {
	return Subscription{
		ID:         p.ID,
		Status:     p.Status,
		ProductID:  p.ProductID,
		CustomerID: p.Customer.ID,
	}
}

type listResponse struct {
	Items      []subscriptionPayload `json:"items"`
	Pagination struct {
		TotalCount int `json:"total_count"`
		MaxPage    int `json:"max_page"`
	} `json:"pagination"`
}

// GetActiveSubscription returns the customer's active subscription. When the
// platform reports more than one, the first active one wins.
func (c *PolarClient) GetActiveSubscription(ctx context.Context, externalCustomerID string) (Subscription, error) {
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("external_customer_id", externalCustomerID)
		q.Set("active", "true")
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(pageLimit))

		var resp listResponse
		if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/?"+q.Encode(), nil, &resp); err != nil {
			return Subscription{}, err
		}

		for _, item := range resp.Items {
			if item.Status == "active" || item.Status == "trialing" {
				return item.toSubscription(), nil
			}
		}

		if len(resp.Items) == 0 || page >= resp.Pagination.MaxPage {
			return Subscription{}, ErrNotFound
		}
	}
}

// UpsertSubscription moves the customer's active subscription to productID,
// creating one when none exists.
func (c *PolarClient) UpsertSubscription(ctx context.Context, externalCustomerID, productID string) (Subscription, error) {
	current, err := c.GetActiveSubscription(ctx, externalCustomerID)
	switch {
	case err == nil:
		if current.ProductID == productID {
			return current, nil
		}
		var updated subscriptionPayload
		body := map[string]string{"product_id": productID}
		if err := c.do(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(current.ID), body, &updated); err != nil {
			return Subscription{}, err
		}
		return updated.toSubscription(), nil

	case errors.Is(err, ErrNotFound):
		var created subscriptionPayload
		body := map[string]string{
			"product_id":           productID,
			"external_customer_id": externalCustomerID,
		}
		if err := c.do(ctx, http.MethodPost, "/v1/subscriptions/", body, &created); err != nil {
			return Subscription{}, err
		}
		return created.toSubscription(), nil

	default:
		return Subscription{}, err
	}
}

// do sends one request, retrying retryable statuses with exponential backoff.
func (c *PolarClient) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial

	operation := func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case utils.IsRetryableStatus(resp.StatusCode):
			c.logger.Warn("Platform returned retryable status", "method", method, "path", path, "status", resp.StatusCode)
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s %s", ErrNotFound, method, path))
		default:
			return nil, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(data, 200)))
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		var retryAfter *backoff.RetryAfterError
		if errors.As(err, &retryAfter) {
			return fmt.Errorf("%w: rate limited", ErrUnavailable)
		}
		return err
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode platform response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
