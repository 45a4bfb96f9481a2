package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chordImpl "go.miragespace.co/chordkv/chord"
	"go.miragespace.co/chordkv/kv/memory"
	"go.miragespace.co/chordkv/rpc"
	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/util/testcond"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testInterval = time.Millisecond * 50

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newHTTPClient(t *testing.T) *http.Client {
	hc := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	t.Cleanup(hc.CloseIdleConnections)
	return hc
}

// startRing serves num nodes from httptest servers and joins them into one ring
func startRing(t *testing.T, as *require.Assertions, num int) []string {
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))
	ring := chord.Ring{Bits: 32}
	rpcClient := rpc.NewClient(rpc.Config{
		Logger:     logger.With(zap.String("component", "rpc")),
		HTTPClient: newHTTPClient(t),
		Timeout:    time.Second,
	})

	nodes := make([]*chordImpl.LocalNode, 0, num)
	servers := make([]*httptest.Server, 0, num)
	t.Cleanup(func() {
		for _, node := range nodes {
			if node.State() == chord.Active {
				node.Leave(context.Background())
			}
		}
		for i, srv := range servers {
			srv.Close()
			nodes[i].Close()
		}
	})

	for i := 0; i < num; i++ {
		srv := httptest.NewUnstartedServer(nil)
		node := chordImpl.NewLocalNode(chordImpl.NodeConfig{
			Logger:                   logger.With(zap.Int("index", i)),
			Ring:                     ring,
			Address:                  srv.Listener.Addr().String(),
			RPCClient:                rpcClient,
			KVProvider:               memory.WithRing(ring),
			StabilizeInterval:        testInterval,
			FixFingerInterval:        testInterval,
			PredecessorCheckInterval: testInterval * 2,
			PingTimeout:              time.Millisecond * 500,
			FixFingers:               true,
		})
		srv.Config.Handler = chordImpl.NewServer(chordImpl.ServerConfig{Node: node}).Handler()
		srv.Start()
		nodes = append(nodes, node)
		servers = append(servers, srv)
	}

	ctx := context.Background()
	as.NoError(nodes[0].Create())
	for _, node := range nodes[1:] {
		_, err := node.Join(ctx, nodes[0].Address)
		as.NoError(err)
	}

	addrs := make([]string, 0, num)
	for _, node := range nodes {
		addrs = append(addrs, node.Address)
	}

	c := New(Config{Logger: logger, HTTPClient: newHTTPClient(t)})
	as.NoError(testcond.WaitForCondition(func() bool {
		digest := ""
		for _, addr := range addrs {
			view, err := c.Ring(ctx, addr)
			if err != nil || len(view.Nodes) != num {
				return false
			}
			if digest != "" && digest != view.Digest {
				return false
			}
			digest = view.Digest
		}
		return true
	}, testInterval, time.Second*10))

	return addrs
}

func TestClientStorage(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	addrs := startRing(t, as, 3)
	c := New(Config{Logger: zaptest.NewLogger(t), HTTPClient: newHTTPClient(t)})

	msg, err := c.Put(ctx, addrs[0], "hello world", []byte("value"))
	as.NoError(err)
	as.Equal("Value with key (hello world) is stored to the network successfully.", msg)

	for _, addr := range addrs {
		got, err := c.Get(ctx, addr, "hello world")
		as.NoError(err)
		as.Equal([]byte("value"), got)
	}

	as.NoError(c.Delete(ctx, addrs[1], "hello world"))
	_, err = c.Get(ctx, addrs[2], "hello world")
	as.ErrorIs(err, chord.ErrKVNotFound)
	as.Equal(http.StatusNotFound, rpc.StatusCode(err))

	as.NoError(c.Ping(ctx, addrs[0]))

	info, err := c.NodeInfo(ctx, addrs[0])
	as.NoError(err)
	as.Equal(addrs[0], info.NodeAddress)
	as.Len(info.Others, 1)
	as.NotNil(info.Predecessor)
}

// flakyNode answers storage requests with failure until failures run out
func flakyNode(t *testing.T, failures int32, failure error, code int) (string, *atomic.Int32) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		if calls.Inc() <= failures {
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{"error": failure.Error()})
			return
		}
		switch r.Method {
		case http.MethodPut:
			json.NewEncoder(w).Encode(map[string]string{"result": "stored"})
		case http.MethodGet:
			w.Header().Set("content-type", "text/plain")
			w.Write([]byte("value"))
		default:
			json.NewEncoder(w).Encode(map[string]string{"result": "removed"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String(), calls
}

func TestClientStorageRetry(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := New(Config{
		Logger:        zaptest.NewLogger(t),
		HTTPClient:    newHTTPClient(t),
		RetryInterval: time.Millisecond,
	})

	node, calls := flakyNode(t, 2, chord.ErrLookupFailed, http.StatusNotFound)
	msg, err := c.Put(ctx, node, "key", []byte("value"))
	as.NoError(err)
	as.Equal("stored", msg)
	as.EqualValues(3, calls.Load())

	node, calls = flakyNode(t, 2, chord.ErrNodeLeaving, http.StatusNotFound)
	got, err := c.Get(ctx, node, "key")
	as.NoError(err)
	as.Equal([]byte("value"), got)
	as.EqualValues(3, calls.Load())

	// out of attempts
	node, calls = flakyNode(t, 5, chord.ErrLookupFailed, http.StatusNotFound)
	err = c.Delete(ctx, node, "key")
	as.ErrorIs(err, chord.ErrLookupFailed)
	as.EqualValues(DefaultRetryAttempts, calls.Load())

	// a crashed node is not asked again
	node, calls = flakyNode(t, 5, chord.ErrNodeCrashed, http.StatusInternalServerError)
	_, err = c.Get(ctx, node, "key")
	as.ErrorIs(err, chord.ErrNodeCrashed)
	as.Equal(http.StatusInternalServerError, rpc.StatusCode(err))
	as.EqualValues(1, calls.Load())
}

func TestWalk(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	addrs := startRing(t, as, 4)
	c := New(Config{Logger: zaptest.NewLogger(t), HTTPClient: newHTTPClient(t)})

	found := c.Walk(ctx, []string{addrs[2]})
	as.ElementsMatch(addrs, found)

	unreachable := "127.0.0.1:1"
	found = c.Walk(ctx, []string{addrs[0], unreachable})
	as.ElementsMatch(append(append([]string{}, addrs...), unreachable), found)
}

func TestCheck(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	addrs := startRing(t, as, 3)
	c := New(Config{Logger: zaptest.NewLogger(t), HTTPClient: newHTTPClient(t)})

	report, err := c.Check(ctx, CheckConfig{
		Seeds:      addrs[:1],
		Pairs:      10,
		VerifyRing: true,
	})
	as.NoError(err)
	as.ElementsMatch(addrs, report.Nodes)
	as.Len(report.Phases, 2)
	for _, phase := range report.Phases {
		as.Equal(10, phase.Tries)
		as.Equal(10, phase.Successes, phase.Name)
		as.Equal(100.0, phase.SuccessRate())
		as.Len(phase.Latencies, 10)
	}
	as.Equal(http.StatusNotFound, report.Missing.Status)
	as.Contains(report.Missing.Body, chord.ErrKVNotFound.Error())
	as.Len(report.Digests, 3)
	as.True(report.RingAgreed())

	var out bytes.Buffer
	report.Render(&out)
	as.Contains(out.String(), "3 nodes registered")
	as.Contains(out.String(), "same node")
	as.Contains(out.String(), "different nodes")
	as.Contains(out.String(), "Status: 404 (expected 404)")
	as.Contains(out.String(), "(ring agreed: true)")
}

func TestCheckNoNodes(t *testing.T) {
	as := require.New(t)

	c := New(Config{Logger: zaptest.NewLogger(t)})
	_, err := c.Check(context.Background(), CheckConfig{})
	as.ErrorIs(err, ErrNoNodes)
}

func TestPhaseResult(t *testing.T) {
	as := require.New(t)

	empty := PhaseResult{}
	as.Equal(0.0, empty.SuccessRate())
	as.Equal(0.0, empty.Throughput())
	as.Equal(time.Duration(0), empty.Percentile(50))

	p := PhaseResult{Tries: 100, Successes: 75, Elapsed: time.Second * 2}
	for i := 1; i <= 100; i++ {
		p.Latencies = append(p.Latencies, time.Duration(i)*time.Millisecond)
	}
	as.Equal(75.0, p.SuccessRate())
	as.Equal(50.0, p.Throughput())
	as.InDelta(float64(50*time.Millisecond), float64(p.Percentile(50)), float64(time.Millisecond))
	as.InDelta(float64(99*time.Millisecond), float64(p.Percentile(99)), float64(time.Millisecond))
	as.LessOrEqual(p.Percentile(50), p.Percentile(90))
}

func TestReportRingAgreed(t *testing.T) {
	as := require.New(t)

	r := Report{Digests: map[string]string{"a": "x", "b": "x"}}
	as.True(r.RingAgreed())

	r.Digests["c"] = "y"
	as.False(r.RingAgreed())

	r.Digests = map[string]string{"a": "x", "b": ""}
	as.False(r.RingAgreed())
}

func TestTerminal(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	addrs := startRing(t, as, 2)
	c := New(Config{Logger: zaptest.NewLogger(t), HTTPClient: newHTTPClient(t)})

	input := strings.Join([]string{
		"2", "greeting", "hi there",
		"1", "greeting",
		"1", "missing",
		"3",
		"9",
		"4",
		"1", "never reached",
	}, "\n") + "\n"

	var out bytes.Buffer
	as.NoError(NewTerminal(c, addrs[0], strings.NewReader(input), &out).Run(ctx))

	text := out.String()
	as.Contains(text, "Value with key (greeting) is stored to the network successfully.")
	as.Contains(text, "hi there")
	as.Contains(text, chord.ErrKVNotFound.Error())
	as.Contains(text, addrs[1])
	as.Contains(text, `Unknown choice "9"`)
	as.NotContains(text, "never reached")

	got, err := c.Get(ctx, addrs[1], "greeting")
	as.NoError(err)
	as.Equal([]byte("hi there"), got)
}

func TestTerminalEOF(t *testing.T) {
	as := require.New(t)

	c := New(Config{Logger: zaptest.NewLogger(t)})
	var out bytes.Buffer
	as.NoError(NewTerminal(c, "127.0.0.1:1", strings.NewReader("2\nkey-only\n"), &out).Run(context.Background()))
	as.Contains(out.String(), "Enter value:")
}
