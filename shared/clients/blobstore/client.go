// Package blobstore talks to the external object store that holds uploaded
// media bytes. Objects are addressed by public id; the store answers with a
// URL clients can fetch directly.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"social-media-microservices/shared/config"
	"social-media-microservices/shared/metricsx"
)

var (
	ErrCircuitOpen = errors.New("blobstore circuit open")
	ErrRejected    = errors.New("blobstore rejected request")
)

type Object struct {
	PublicID string `json:"public_id"`
	URL      string `json:"url"`
}

type Client struct {
	baseURL  string
	token    string
	retryMax int
	backoff  time.Duration
	http     *http.Client
	breaker  *circuitBreaker
}

func New(cfg config.Config) (*Client, error) {
	if strings.TrimSpace(cfg.BlobStoreURL) == "" {
		return nil, errors.New("BLOBSTORE_URL is required")
	}
	timeout := time.Duration(cfg.BlobStoreTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  strings.TrimRight(cfg.BlobStoreURL, "/"),
		token:    cfg.BlobStoreToken,
		retryMax: cfg.BlobStoreRetryMax,
		backoff:  200 * time.Millisecond,
		http:     &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) objectURL(publicID string) string {
	return c.baseURL + "/objects/" + url.PathEscape(publicID)
}

// Upload stores data under publicID, replacing any previous object.
func (c *Client) Upload(ctx context.Context, publicID string, contentType string, data []byte) (Object, error) {
	var out Object
	err := c.do(ctx, "upload", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(publicID), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode upload response: %w", err)
		}
		if out.PublicID == "" {
			out.PublicID = publicID
		}
		return nil
	})
	return out, err
}

// Delete removes publicID. An object that is already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, publicID string) error {
	return c.do(ctx, "delete", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(publicID), nil)
	}, func(resp *http.Response) error {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		default:
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
	})
}

// do retries transport failures and 5xx answers; any other status is final.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), handle func(*http.Response) error) error {
	if c == nil || c.http == nil {
		return errors.New("blobstore client not initialized")
	}
	if c.breaker.Open() {
		metricsx.IncBlobstoreRequest(op, "circuit_open")
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		req, err := build()
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
			c.breaker.Fail()
			continue
		}
		err = handle(resp)
		resp.Body.Close()
		if err != nil {
			metricsx.IncBlobstoreRequest(op, "error")
			return err
		}
		c.breaker.Success()
		metricsx.IncBlobstoreRequest(op, "ok")
		return nil
	}
	metricsx.IncBlobstoreRequest(op, "error")
	return lastErr
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
