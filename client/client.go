package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	chordImpl "go.miragespace.co/chordkv/chord"
	"go.miragespace.co/chordkv/rpc"
	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/timing"

	"go.uber.org/zap"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryInterval = time.Millisecond * 250
)

type Config struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
	Timeout    time.Duration
	// Storage requests failing with a retryable error, such as a lookup racing a
	// membership change, are sent again up to RetryAttempts times in total.
	RetryAttempts uint
	RetryInterval time.Duration
}

// Client talks to the public surface of any node in the ring. Nodes relay storage
// requests to the owner themselves, so the client never routes.
type Client struct {
	logger        *zap.Logger
	rpc           *rpc.Client
	retryAttempts uint
	retryInterval time.Duration
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timing.ChordRPCTimeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Client{
		logger: cfg.Logger,
		rpc: rpc.NewClient(rpc.Config{
			Logger:     cfg.Logger,
			HTTPClient: cfg.HTTPClient,
			Timeout:    cfg.Timeout,
		}),
		retryAttempts: cfg.RetryAttempts,
		retryInterval: cfg.RetryInterval,
	}
}

// nodeStorage is the storage surface of one node. Put keeps the message the node
// answered with; everything else goes through RemoteNode.
type nodeStorage struct {
	*chordImpl.RemoteNode
	rpc    *rpc.Client
	node   string
	result string
}

type resultMessage struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (s *nodeStorage) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	var res resultMessage
	err := s.rpc.CallJSON(ctx, rpc.Request{
		Method:      http.MethodPut,
		Address:     s.node,
		Route:       "/storage/*",
		Path:        "/storage/" + url.PathEscape(key),
		Body:        value,
		ContentType: "text/plain",
	}, &res)
	if err != nil {
		return err
	}
	s.result = res.Result
	return nil
}

func (c *Client) storage(node string) (*nodeStorage, chord.KV) {
	s := &nodeStorage{
		RemoteNode: chordImpl.NewRemoteNode(chord.Finger{Address: node}, c.rpc, timing.ChordPingTimeout),
		rpc:        c.rpc,
		node:       node,
	}
	return s, chord.WrapRetryKV(s, c.retryInterval, c.retryAttempts)
}

// Put stores value under key through node and returns the message the node answered with
func (c *Client) Put(ctx context.Context, node, key string, value []byte) (string, error) {
	s, kv := c.storage(node)
	if err := kv.Put(ctx, key, value); err != nil {
		return "", err
	}
	return s.result, nil
}

func (c *Client) Get(ctx context.Context, node, key string) ([]byte, error) {
	_, kv := c.storage(node)
	return kv.Get(ctx, key)
}

func (c *Client) Delete(ctx context.Context, node, key string) error {
	_, kv := c.storage(node)
	return kv.Delete(ctx, key)
}

func (c *Client) Neighbors(ctx context.Context, node string) ([]string, error) {
	var neighbors []string
	err := c.rpc.CallJSON(ctx, rpc.Request{
		Method:  http.MethodGet,
		Address: node,
		Path:    "/neighbors",
	}, &neighbors)
	return neighbors, err
}

func (c *Client) NodeInfo(ctx context.Context, node string) (chordImpl.NodeInfo, error) {
	var info chordImpl.NodeInfo
	err := c.rpc.CallJSON(ctx, rpc.Request{
		Method:  http.MethodGet,
		Address: node,
		Path:    "/node-info",
	}, &info)
	return info, err
}

func (c *Client) Ring(ctx context.Context, node string) (chordImpl.RingSnapshot, error) {
	var view chordImpl.RingSnapshot
	err := c.rpc.CallJSON(ctx, rpc.Request{
		Method:  http.MethodGet,
		Address: node,
		Path:    "/ring",
	}, &view)
	return view, err
}

func (c *Client) Ping(ctx context.Context, node string) error {
	return c.rpc.CallJSON(ctx, rpc.Request{
		Method:  http.MethodGet,
		Address: node,
		Path:    "/ping",
		Timeout: timing.ChordPingTimeout,
	}, nil)
}

// Leave asks node to leave the ring gracefully
func (c *Client) Leave(ctx context.Context, node string) (string, error) {
	var res struct {
		Result string `json:"result"`
	}
	err := c.rpc.CallJSON(ctx, rpc.Request{
		Method:  http.MethodPost,
		Address: node,
		Path:    "/leave",
	}, &res)
	if err != nil {
		return "", fmt.Errorf("leaving via %s: %w", node, err)
	}
	return res.Result, nil
}
