package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"waterworks/pkg/api/backend"
	"waterworks/pkg/clients"
	"waterworks/pkg/logging"
	"waterworks/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Client is a tenant-scoped client for the platform backend REST API. All
// requests carry the session's bearer token; transient failures (5xx, 429)
// retry with backoff through the shared retry layer.
type Client struct {
	baseURL     string
	tenantID    string
	token       string
	httpClient  *http.Client
	logger      logging.Logger
	retryConfig clients.RetryConfig
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// Config represents the configuration for the backend client
type Config struct {
	BaseURL     string
	TenantID    string
	Token       string
	Timeout     time.Duration
	Logger      logging.Logger
	RetryConfig *clients.RetryConfig

	// Optional request instrumentation, labelled by operation and status.
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// RequestError is a backend request failure surfaced to the caller. Optimistic
// local state is not rolled back on it; the next fetch reconciles.
type RequestError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend %s failed (%d): %s", e.Operation, e.StatusCode, e.Body)
}

// NewClient creates a new backend API client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	return &Client{
		baseURL:     config.BaseURL,
		tenantID:    config.TenantID,
		token:       config.Token,
		httpClient:  &http.Client{Timeout: config.Timeout},
		logger:      config.Logger,
		retryConfig: retryConfig,
		requests:    config.RequestCounter,
		duration:    config.RequestDuration,
	}
}

// observe records one finished request on the optional instrumentation.
func (c *Client) observe(operation, status string, start time.Time) {
	if c.requests == nil || c.duration == nil {
		return
	}
	c.requests.WithLabelValues(operation, status).Inc()
	c.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// tenantURL builds a URL under the tenant-scoped path prefix.
func (c *Client) tenantURL(path string) string {
	return fmt.Sprintf("%s/api/tenants/%s%s", c.baseURL, url.PathEscape(c.tenantID), path)
}

func (c *Client) do(ctx context.Context, operation, method, rawURL string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		c.observe(operation, "error", start)
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()
	c.observe(operation, strconv.Itoa(resp.StatusCode), start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &RequestError{Operation: operation, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ListNotifications retrieves one page of the tenant's notifications
func (c *Client) ListNotifications(ctx context.Context, req backend.ListNotificationsRequest) (*backend.NotificationPage, error) {
	u, err := url.Parse(c.tenantURL("/notifications"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	q := u.Query()
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	if req.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.UnreadOnly {
		q.Set("unread_only", "true")
	}
	u.RawQuery = q.Encode()

	var page backend.NotificationPage
	if err := c.do(ctx, "list notifications", "GET", u.String(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetUnreadCount retrieves the tenant's unread notification count
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out backend.UnreadCountResponse
	if err := c.do(ctx, "unread count", "GET", c.tenantURL("/notifications/unread-count"), nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// MarkNotificationRead marks a single notification as read
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	u := c.tenantURL("/notifications/" + url.PathEscape(id) + "/read")
	return c.do(ctx, "mark read", "POST", u, nil, nil)
}

// MarkAllNotificationsRead marks every notification as read
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark all read", "POST", c.tenantURL("/notifications/read-all"), nil, nil)
}

// ListNotificationRules retrieves the tenant's notification rules
func (c *Client) ListNotificationRules(ctx context.Context) ([]models.NotificationRule, error) {
	var out backend.RuleListResponse
	if err := c.do(ctx, "list rules", "GET", c.tenantURL("/notification-rules"), nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// GetNotificationRule retrieves a single notification rule
func (c *Client) GetNotificationRule(ctx context.Context, id string) (*models.NotificationRule, error) {
	u := c.tenantURL("/notification-rules/" + url.PathEscape(id))
	var out models.NotificationRule
	if err := c.do(ctx, "get rule", "GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateNotificationRule creates a notification rule
func (c *Client) CreateNotificationRule(ctx context.Context, rule *models.NotificationRule) (*models.NotificationRule, error) {
	var out models.NotificationRule
	if err := c.do(ctx, "create rule", "POST", c.tenantURL("/notification-rules"), rule, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateNotificationRule updates a notification rule
func (c *Client) UpdateNotificationRule(ctx context.Context, rule *models.NotificationRule) (*models.NotificationRule, error) {
	u := c.tenantURL("/notification-rules/" + url.PathEscape(rule.ID))
	var out models.NotificationRule
	if err := c.do(ctx, "update rule", "PUT", u, rule, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNotificationRule deletes a notification rule
func (c *Client) DeleteNotificationRule(ctx context.Context, id string) error {
	u := c.tenantURL("/notification-rules/" + url.PathEscape(id))
	return c.do(ctx, "delete rule", "DELETE", u, nil, nil)
}

// ListEscalations retrieves the tenant's escalation records
func (c *Client) ListEscalations(ctx context.Context) ([]models.EscalationRecord, error) {
	var out backend.EscalationListResponse
	if err := c.do(ctx, "list escalations", "GET", c.tenantURL("/escalations"), nil, &out); err != nil {
		return nil, err
	}
	return out.Escalations, nil
}

// AcknowledgeEscalation acknowledges an escalation on the backend
func (c *Client) AcknowledgeEscalation(ctx context.Context, id, by string) error {
	u := c.tenantURL("/escalations/" + url.PathEscape(id) + "/acknowledge")
	return c.do(ctx, "acknowledge escalation", "POST", u, &backend.AcknowledgeEscalationRequest{AcknowledgedBy: by}, nil)
}

// ResolveEscalation resolves an escalation on the backend
func (c *Client) ResolveEscalation(ctx context.Context, id string) error {
	u := c.tenantURL("/escalations/" + url.PathEscape(id) + "/resolve")
	return c.do(ctx, "resolve escalation", "POST", u, nil, nil)
}
