package chord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.miragespace.co/chordkv/rpc"
	"go.miragespace.co/chordkv/spec/chord"
)

const (
	textContentType = "text/plain; charset=utf-8"
	jsonContentType = "application/json"
)

// RemoteNode is a peer reached over the HTTP surface served by Server.
// It is cheap to construct; connection reuse lives in the shared rpc.Client.
type RemoteNode struct {
	self        chord.Finger
	client      *rpc.Client
	pingTimeout time.Duration
}

var _ chord.VNode = (*RemoteNode)(nil)

func NewRemoteNode(f chord.Finger, client *rpc.Client, pingTimeout time.Duration) *RemoteNode {
	return &RemoteNode{
		self:        f,
		client:      client,
		pingTimeout: pingTimeout,
	}
}

func (n *RemoteNode) ID() uint64 {
	return n.self.ID
}

func (n *RemoteNode) Identity() chord.Finger {
	return n.self
}

func (n *RemoteNode) String() string {
	return n.self.String()
}

func (n *RemoteNode) call(ctx context.Context, method, route, path string, body []byte, contentType string) ([]byte, error) {
	return n.client.Call(ctx, rpc.Request{
		Method:      method,
		Address:     n.self.Address,
		Route:       route,
		Path:        path,
		Body:        body,
		ContentType: contentType,
	})
}

func (n *RemoteNode) callFinger(ctx context.Context, route, path string) (chord.Finger, error) {
	var f chord.Finger
	err := n.client.CallJSON(ctx, rpc.Request{
		Method:  http.MethodGet,
		Address: n.self.Address,
		Route:   route,
		Path:    path,
	}, &f)
	if err != nil {
		return chord.Finger{}, err
	}
	if f.Address == "" {
		return chord.Finger{}, chord.Errorf(chord.ErrInvalidRequest, "%s answered %s without an address", n.self.Address, route)
	}
	return f, nil
}

func (n *RemoteNode) Ping(ctx context.Context) error {
	_, err := n.client.Call(ctx, rpc.Request{
		Method:  http.MethodGet,
		Address: n.self.Address,
		Route:   routePing,
		Path:    routePing,
		Timeout: n.pingTimeout,
	})
	return err
}

func (n *RemoteNode) Notify(ctx context.Context, predecessor chord.Finger) error {
	_, err := n.call(ctx, http.MethodPost, routeNotify, routeNotify, []byte(predecessor.Address), textContentType)
	return err
}

func (n *RemoteNode) FindSuccessor(ctx context.Context, key uint64) (chord.Finger, error) {
	return n.callFinger(ctx, routeFindSuccessor, "/findsuccessor/"+strconv.FormatUint(key, 10))
}

// JoinLookup asks the peer for the successor of id on behalf of a joining node
func (n *RemoteNode) JoinLookup(ctx context.Context, id uint64) (chord.Finger, error) {
	return n.callFinger(ctx, routeJoinID, "/join/"+strconv.FormatUint(id, 10))
}

func (n *RemoteNode) GetPredecessor(ctx context.Context) (*chord.Finger, error) {
	f, err := n.callFinger(ctx, routeFindPredecessor, routeFindPredecessor)
	if errors.Is(err, chord.ErrNodeNoPredecessor) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (n *RemoteNode) InformPredecessor(ctx context.Context, predecessor chord.Finger) error {
	_, err := n.call(ctx, http.MethodPost, routeInformPredecessor, routeInformPredecessor, []byte(predecessor.Address), textContentType)
	return err
}

func (n *RemoteNode) InformSuccessor(ctx context.Context, successor chord.Finger) error {
	_, err := n.call(ctx, http.MethodPost, routeInformSuccessor, routeInformSuccessor, []byte(successor.Address), textContentType)
	return err
}

func storagePath(key string) string {
	return "/storage/" + url.PathEscape(key)
}

func (n *RemoteNode) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := n.call(ctx, http.MethodPut, routeStorage, storagePath(key), value, textContentType)
	return err
}

func (n *RemoteNode) Get(ctx context.Context, key string) ([]byte, error) {
	return n.call(ctx, http.MethodGet, routeStorage, storagePath(key), nil, "")
}

func (n *RemoteNode) Delete(ctx context.Context, key string) error {
	_, err := n.call(ctx, http.MethodDelete, routeStorage, storagePath(key), nil, "")
	return err
}

// importRequest values are base64 encoded by encoding/json
type importRequest struct {
	Entries map[string][]byte `json:"entries"`
}

func (n *RemoteNode) Import(ctx context.Context, entries map[string][]byte) error {
	body, err := json.Marshal(importRequest{Entries: entries})
	if err != nil {
		return err
	}
	_, err = n.call(ctx, http.MethodPost, routeImport, routeImport, body, jsonContentType)
	return err
}
