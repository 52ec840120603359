package shelly

import (
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
)

// ErrCommunication is returned when the device could not be reached or
// answered with something other than a JSON success response.
var ErrCommunication = errors.New("shelly communication failed")

const (
	defaultTimeout = 5 * time.Second
	maxBodySize    = 1 << 20

	methodGetStatus = "Shelly.GetStatus"
	methodSwitchSet = "Switch.Set"
)

// Client talks to a 2nd generation Shelly device over its HTTP RPC API.
// Every call is a single attempt.
type Client struct {
	address    string
	httpClient *http.Client
}

// NewClient creates a client for the device at address (host or host:port).
func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimSuffix(address, "/")

	return &Client{
		address: address,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Address returns the device address.
func (c *Client) Address() string {
	return c.address
}

// FetchStatus returns the raw Shelly.GetStatus body.
func (c *Client) FetchStatus(ctx context.Context) ([]byte, error) {
	return c.call(ctx, methodGetStatus, nil)
}

// SetRelay switches relay index on or off.
func (c *Client) SetRelay(ctx context.Context, index int, on bool) error {
	query := url.Values{}
	query.Set("id", strconv.Itoa(index))
	query.Set("on", strconv.FormatBool(on))

	_, err := c.call(ctx, methodSwitchSet, query)
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) call(ctx context.Context, method string, query url.Values) ([]byte, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     c.address,
		Path:     "/rpc/" + method,
		RawQuery: query.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCommunication, method, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCommunication, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %w", ErrCommunication, method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: unexpected status code: %d", ErrCommunication, method, resp.StatusCode)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s: response is not JSON", ErrCommunication, method)
	}

	return body, nil
}
