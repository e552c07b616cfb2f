package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultInquiryTimeout bounds a single management-API round trip. Depth
// inquiry falls back to a direct AMQP attribute query when it elapses.
const DefaultInquiryTimeout = 2500 * time.Millisecond

// QueueRecord is one row from /api/queues.
type QueueRecord struct {
	Name       string `json:"name"`
	VHost      string `json:"vhost"`
	Messages   int64  `json:"messages"`
	Consumers  int    `json:"consumers"`
	State      string `json:"state"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Memory     int64  `json:"memory"`
}

// ChannelRecord is one row from /api/channels.
type ChannelRecord struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	User           string `json:"user"`
	Number         int    `json:"number"`
	UnackedCount   int    `json:"messages_unacknowledged"`
	PrefetchCount  int    `json:"prefetch_count"`
	ConnectionName string `json:"connection_details.name"`
}

// ManagementClient talks to the RabbitMQ HTTP management API. It is derived
// from the broker connection URL: standard AMQP ports map to the default
// management port 15672.
type ManagementClient struct {
	baseURL    string
	username   string
	password   string
	vhost      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ManagementOption configures the client.
type ManagementOption func(*ManagementClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ManagementOption {
	return func(c *ManagementClient) {
		c.httpClient = hc
	}
}

// WithManagementLogger sets the logger.
func WithManagementLogger(logger *slog.Logger) ManagementOption {
	return func(c *ManagementClient) {
		c.logger = logger
	}
}

// WithVhost overrides the default "/" vhost.
func WithVhost(vhost string) ManagementOption {
	return func(c *ManagementClient) {
		c.vhost = vhost
	}
}

// WithBaseURL overrides the derived management URL. Used when the API is
// not reachable on the conventional port.
func WithBaseURL(base string) ManagementOption {
	return func(c *ManagementClient) {
		c.baseURL = base
	}
}

// NewManagementClient derives a management client from an AMQP URL.
func NewManagementClient(amqpURL string, options ...ManagementOption) (*ManagementClient, error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}

	username, password := "guest", "guest"
	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	c := &ManagementClient{
		baseURL:    fmt.Sprintf("http://%s:15672/api", u.Hostname()),
		username:   username,
		password:   password,
		vhost:      "/",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// ListQueues returns every queue on the client's vhost.
func (c *ManagementClient) ListQueues(ctx context.Context) ([]QueueRecord, error) {
	var records []QueueRecord
	path := "/queues/" + url.PathEscape(c.vhost)
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetQueue returns a single queue row, including its depth.
func (c *ManagementClient) GetQueue(ctx context.Context, name string) (*QueueRecord, error) {
	var record QueueRecord
	path := "/queues/" + url.PathEscape(c.vhost) + "/" + url.PathEscape(name)
	if err := c.getJSON(ctx, path, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListChannels returns the broker's channel rows.
func (c *ManagementClient) ListChannels(ctx context.Context) ([]ChannelRecord, error) {
	var records []ChannelRecord
	if err := c.getJSON(ctx, "/channels", &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *ManagementClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("management API %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode management response: %w", err)
	}
	return nil
}
