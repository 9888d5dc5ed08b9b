package vmix

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Client talks to the vMix web controller API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.VMixConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d/api/", cfg.Host, cfg.Port),
		http:    &http.Client{Timeout: timeout},
	}
}

// NewClientForURL points the client at an explicit API root.
func NewClientForURL(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, nil)
}

// SetText replaces field index on a title input.
func (c *Client) SetText(ctx context.Context, input string, index int, text string) error {
	params := url.Values{}
	params.Set("Function", "SetText")
	params.Set("Input", input)
	params.Set("SelectedIndex", strconv.Itoa(index))
	params.Set("Value", text)
	return c.call(ctx, params)
}

func (c *Client) call(ctx context.Context, params url.Values) error {
	target := c.baseURL
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vmix request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vmix returned status %s", resp.Status)
	}
	return nil
}
