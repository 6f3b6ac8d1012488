package remote

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

	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRetryInitial = 200 * time.Millisecond
	defaultRetryMax     = 2 * time.Second

	opList   = "remote.list"
	opGet    = "remote.get"
	opCreate = "remote.create"
	opUpdate = "remote.update"
	opDelete = "remote.delete"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// TokenSource returns the bearer token attached to every request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token. An empty token disables the header.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// ClientConfig configures the record service client.
type ClientConfig struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	// MaxRetries bounds retries of idempotent reads after network errors.
	MaxRetries int
	Logger     *zap.Logger
}

// Client talks to the HTTP record service.
type Client struct {
	baseURL    *url.URL
	token      TokenSource
	http       *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	token := cfg.Token
	if token == nil {
		token = StaticToken("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		baseURL:    parsed,
		token:      token,
		http:       httpClient,
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// List fetches every record of table matching the filters.
func (c *Client) List(ctx context.Context, table string, filters ...Filter) ([]Record, error) {
	query := url.Values{}
	for _, filter := range filters {
		query.Add("filter", filter.String())
	}

	var records []Record
	err := c.withReadRetry(ctx, func() error {
		body, err := c.do(ctx, opList, http.MethodGet, c.tableURL(table, query), nil)
		if err != nil {
			return err
		}
		records, err = extractRecords(body)
		if err != nil {
			return malformed(opList, table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Get fetches a single record by id.
func (c *Client) Get(ctx context.Context, table string, id int64) (Record, error) {
	var record Record
	err := c.withReadRetry(ctx, func() error {
		body, err := c.do(ctx, opGet, http.MethodGet, c.recordURL(table, id), nil)
		if err != nil {
			return err
		}
		record, err = extractRecord(body)
		if err != nil {
			return malformed(opGet, table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Create posts a new record and returns the server assigned id.
func (c *Client) Create(ctx context.Context, table string, payload Record) (int64, error) {
	body, err := c.do(ctx, opCreate, http.MethodPost, c.tableURL(table, nil), payload)
	if err != nil {
		return 0, err
	}
	id, err := extractCreatedID(body)
	if err != nil {
		return 0, malformed(opCreate, table, err)
	}
	return id, nil
}

// Update applies a partial update and returns the updated record when the service echoes it.
func (c *Client) Update(ctx context.Context, table string, id int64, payload Record) (Record, error) {
	body, err := c.do(ctx, opUpdate, http.MethodPut, c.recordURL(table, id), payload)
	if err != nil {
		return nil, err
	}
	normalized, err := decodeBody(body)
	if err != nil {
		return nil, malformed(opUpdate, table, err)
	}
	if len(normalized.records) == 0 {
		return Record{"id": id}, nil
	}
	return normalized.records[0], nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, table string, id int64) error {
	_, err := c.do(ctx, opDelete, http.MethodDelete, c.recordURL(table, id), nil)
	return err
}

func (c *Client) tableURL(table string, query url.Values) string {
	target := c.baseURL.JoinPath(table)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) recordURL(table string, id int64) string {
	return c.baseURL.JoinPath(table, strconv.FormatInt(id, 10)).String()
}

func (c *Client) do(ctx context.Context, operation, method, target string, payload Record) ([]byte, error) {
	var requestBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, syncerr.New(syncerr.KindMalformed, operation, "encode_payload", err)
		}
		requestBody = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, requestBody)
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, operation, "build_request", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	token, err := c.token(ctx)
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, operation, "token_unavailable", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, operation, "request_failed", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, operation, "read_body_failed", err)
	}

	c.logger.Debug("record service exchange",
		zap.String("operation", operation),
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", response.StatusCode),
		zap.Int("response_bytes", len(body)))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, syncerr.New(syncerr.KindRejected, operation, "status",
			&syncerr.Rejection{Status: response.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	return body, nil
}

func (c *Client) withReadRetry(ctx context.Context, read func() error) error {
	if c.maxRetries == 0 {
		return read()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultRetryInitial
	policy.MaxInterval = defaultRetryMax
	return backoff.Retry(func() error {
		err := read()
		if err != nil && syncerr.KindOf(err) != syncerr.KindNetwork {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
}

func malformed(operation, table string, cause error) error {
	return syncerr.New(syncerr.KindMalformed, operation, "unexpected_shape", fmt.Errorf("%s: %w", table, cause))
}
