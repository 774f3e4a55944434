// Package cloud talks to the envelope endpoint served by another instance
// (or any service speaking the same JSON contract).
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"adega/backend/internal/domain"
)

const (
	EnvelopePath = "/api/v1/cloud/envelope"
	TokenHeader  = "X-Cloud-Token"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Fetch(ctx context.Context) (*domain.SyncEnvelope, error) {
	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch envelope")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		return nil, statusError(resp)
	}

	var env domain.SyncEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &env, nil
}

func (c *Client) Push(ctx context.Context, env domain.SyncEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	req, err := c.newRequest(ctx, http.MethodPut, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "push envelope")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+EnvelopePath, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("cloud endpoint %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}
