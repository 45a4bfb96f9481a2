package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"

	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/zap"
)

const DefaultMaxBodySize = 8 << 20

var ErrBodyTooLarge = fmt.Errorf("rpc: response body exceeds limit")

// StatusError is returned when a peer answers with a non 2xx status.
// The body text is kept so the sentinel error can be recovered with errors.Is.
type StatusError struct {
	Address string
	Code    int
	Body    string
	// message is the "error" field of a JSON body, or the body itself
	message string
}

var _ error = (*StatusError)(nil)

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc: %s returned %d: %s", e.Address, e.Code, e.Body)
}

func (e *StatusError) Message() string {
	return e.message
}

func (e *StatusError) Unwrap() error {
	if mapped := chord.ErrorMapper(e); mapped != error(e) {
		return mapped
	}
	return nil
}

func newStatusError(address string, code int, payload []byte) *StatusError {
	e := &StatusError{
		Address: address,
		Code:    code,
		Body:    strings.TrimSpace(string(payload)),
	}
	e.message = e.Body

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		e.message = body.Error
	}
	return e
}

func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

type Config struct {
	Logger      *zap.Logger
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxBodySize int64
}

// Client issues HTTP requests to peers. It is safe for concurrent use and shared by all
// RemoteNode values created by one node.
type Client struct {
	logger      *zap.Logger
	client      *http.Client
	timeout     time.Duration
	maxBodySize int64
}

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:      cfg.Logger,
		client:      cfg.HTTPClient,
		timeout:     cfg.Timeout,
		maxBodySize: cfg.MaxBodySize,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.maxBodySize <= 0 {
		c.maxBodySize = DefaultMaxBodySize
	}
	return c
}

type Request struct {
	Method string
	// Address is host:port of the peer
	Address string
	// Route is the path pattern used as the metrics label, Path is the concrete path
	Route       string
	Path        string
	Body        []byte
	ContentType string
	// Timeout overrides the client default when non zero
	Timeout time.Duration
}

// Call performs the request and returns the response body of a 2xx answer.
// Relay depth is forwarded through chord.HopsHeader.
func (c *Client) Call(ctx context.Context, r Request) ([]byte, error) {
	timeout := c.timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	route := r.Route
	if route == "" {
		route = r.Path
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, "http://"+r.Address+r.Path, body)
	if err != nil {
		return nil, fmt.Errorf("rpc: building request to %s: %w", r.Address, err)
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	req.Header.Set(chord.HopsHeader, strconv.Itoa(chord.GetHops(ctx)+1))

	ctx = metrics.BeginRPC(ctx)
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.FinishRPC(ctx, r.Method, route, 0)
		return nil, fmt.Errorf("rpc: %s %s%s: %w", r.Method, r.Address, r.Path, err)
	}
	defer resp.Body.Close()
	metrics.FinishRPC(ctx, r.Method, route, resp.StatusCode)

	buf := pool.NewBuffer(nil)
	defer buf.Reset()

	n, err := buf.ReadFrom(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("rpc: reading response from %s: %w", r.Address, err)
	}
	if n > c.maxBodySize {
		return nil, ErrBodyTooLarge
	}
	payload := append([]byte(nil), buf.Bytes()...)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Peer returned non-success status",
			zap.String("peer", r.Address),
			zap.String("route", route),
			zap.Int("status", resp.StatusCode))
		return nil, newStatusError(r.Address, resp.StatusCode, payload)
	}

	return payload, nil
}

// CallJSON decodes a 2xx response body into out when out is not nil
func (c *Client) CallJSON(ctx context.Context, r Request, out any) error {
	payload, err := c.Call(ctx, r)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("rpc: decoding response from %s%s: %w", r.Address, r.Path, err)
	}
	return nil
}
