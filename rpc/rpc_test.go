package rpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.miragespace.co/chordkv/spec/chord"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testClient(t *testing.T, maxBody int64) *Client {
	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	return NewClient(Config{
		Logger:      zaptest.NewLogger(t),
		HTTPClient:  &http.Client{Transport: transport},
		Timeout:     time.Second,
		MaxBodySize: maxBody,
	})
}

func addr(s *httptest.Server) string {
	return strings.TrimPrefix(s.URL, "http://")
}

func TestCallSuccess(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Hops", r.Header.Get(chord.HopsHeader))
		w.Write(append([]byte(r.Method+" "+r.URL.Path+" "), b...))
	}))
	defer srv.Close()

	c := testClient(t, 0)

	resp, err := c.Call(context.Background(), Request{
		Method:  http.MethodPost,
		Address: addr(srv),
		Path:    "/notify",
		Body:    []byte("127.0.0.1:1"),
	})
	as.NoError(err)
	as.Equal("POST /notify 127.0.0.1:1", string(resp))
}

func TestCallForwardsHops(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(chord.HopsHeader)))
	}))
	defer srv.Close()

	c := testClient(t, 0)

	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Address: addr(srv), Path: "/"})
	as.NoError(err)
	as.Equal("1", string(resp))

	resp, err = c.Call(chord.WithHops(context.Background(), 4), Request{Method: http.MethodGet, Address: addr(srv), Path: "/"})
	as.NoError(err)
	as.Equal("5", string(resp))
}

func TestCallStatusErrorMapping(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, chord.ErrKVNotFound.Error(), http.StatusNotFound)
		case "/crashed":
			http.Error(w, chord.ErrNodeCrashed.Error(), http.StatusInternalServerError)
		default:
			http.Error(w, "something else", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := testClient(t, 0)

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Address: addr(srv), Path: "/missing"})
	as.ErrorIs(err, chord.ErrKVNotFound)
	as.Equal(http.StatusNotFound, StatusCode(err))

	_, err = c.Call(context.Background(), Request{Method: http.MethodGet, Address: addr(srv), Path: "/crashed"})
	as.ErrorIs(err, chord.ErrNodeCrashed)
	as.Equal(http.StatusInternalServerError, StatusCode(err))

	_, err = c.Call(context.Background(), Request{Method: http.MethodGet, Address: addr(srv), Path: "/other"})
	as.Error(err)
	var se *StatusError
	as.True(errors.As(err, &se))
	as.Equal("something else", se.Message())
	as.Nil(se.Unwrap())
}

func TestCallJSON(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"identity": 42, "address": "127.0.0.1:9"}`))
	}))
	defer srv.Close()

	c := testClient(t, 0)

	var f chord.Finger
	as.NoError(c.CallJSON(context.Background(), Request{Method: http.MethodGet, Address: addr(srv), Path: "/findpredecessor"}, &f))
	as.Equal(uint64(42), f.ID)
	as.Equal("127.0.0.1:9", f.Address)
}

func TestCallBodyLimit(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	c := testClient(t, 16)

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Address: addr(srv), Path: "/"})
	as.ErrorIs(err, ErrBodyTooLarge)
}

func TestCallUnreachable(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	address := addr(srv)
	srv.Close()

	c := testClient(t, 0)

	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Address: address, Path: "/ping"})
	as.Error(err)
	as.Equal(0, StatusCode(err))
}

func TestCallTimeout(t *testing.T) {
	as := require.New(t)

	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	defer srv.Close()
	defer close(done)

	c := testClient(t, 0)

	start := time.Now()
	_, err := c.Call(context.Background(), Request{
		Method:  http.MethodGet,
		Address: addr(srv),
		Path:    "/ping",
		Timeout: time.Millisecond * 100,
	})
	as.Error(err)
	as.ErrorIs(err, context.DeadlineExceeded)
	as.Less(time.Since(start), time.Second)
}

func TestCallJSONErrorBody(t *testing.T) {
	as := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"result": "Could not put data", "error": "` + chord.ErrRelayLoop.Error() + `"}`))
	}))
	defer srv.Close()

	c := testClient(t, 0)

	_, err := c.Call(context.Background(), Request{Method: http.MethodPut, Address: addr(srv), Path: "/storage/k"})
	as.ErrorIs(err, chord.ErrRelayLoop)
}
