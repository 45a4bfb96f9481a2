package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.miragespace.co/chordkv/rpc"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/sethvargo/go-diceware/diceware"
	"github.com/zhangyunhao116/skipset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCheckPairs       = 20
	DefaultCheckConcurrency = 4
)

var ErrNoNodes = errors.New("no nodes registered to connect to")

var generator, _ = diceware.NewGenerator(nil)

// Walk discovers the ring by following /neighbors from every seed until no new
// address shows up. Unreachable nodes are still reported since they were asked for.
func (c *Client) Walk(ctx context.Context, seeds []string) []string {
	visited := skipset.NewString()
	frontier := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if visited.Add(seed) {
			frontier = append(frontier, seed)
		}
	}

	for len(frontier) > 0 {
		var (
			mu   sync.Mutex
			next []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(DefaultCheckConcurrency)
		for _, node := range frontier {
			node := node
			g.Go(func() error {
				neighbors, err := c.Neighbors(gctx, node)
				if err != nil {
					c.logger.Warn("Failed to fetch neighbors", zap.String("node", node), zap.Error(err))
					return nil
				}
				for _, neighbor := range neighbors {
					if visited.Add(neighbor) {
						mu.Lock()
						next = append(next, neighbor)
						mu.Unlock()
					}
				}
				return nil
			})
		}
		g.Wait()
		frontier = next
	}

	nodes := make([]string, 0, visited.Len())
	visited.Range(func(value string) bool {
		nodes = append(nodes, value)
		return true
	})
	sort.Strings(nodes)
	return nodes
}

type CheckConfig struct {
	Seeds []string
	// Pairs is the number of key/value pairs each phase stores and reads back
	Pairs       int
	Concurrency int
	VerifyRing  bool
}

type PhaseResult struct {
	Name      string
	Tries     int
	Successes int
	Elapsed   time.Duration
	Latencies []time.Duration
}

func (p PhaseResult) SuccessRate() float64 {
	if p.Tries == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Tries) * 100
}

func (p PhaseResult) Throughput() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Tries) / p.Elapsed.Seconds()
}

func (p PhaseResult) Percentile(percent float64) time.Duration {
	if len(p.Latencies) == 0 {
		return 0
	}
	values := make(stats.Float64Data, 0, len(p.Latencies))
	for _, l := range p.Latencies {
		values = append(values, float64(l))
	}
	v, err := stats.Percentile(values, percent)
	if err != nil {
		return 0
	}
	return time.Duration(v)
}

type MissingKeyResult struct {
	Node   string
	Key    string
	Status int
	Body   string
}

type Report struct {
	Nodes   []string
	Phases  []PhaseResult
	Missing MissingKeyResult
	// Digests is filled when the ring view of every node was compared
	Digests map[string]string
}

func (r *Report) RingAgreed() bool {
	digest := ""
	for _, d := range r.Digests {
		if d == "" {
			return false
		}
		if digest == "" {
			digest = d
		}
		if d != digest {
			return false
		}
	}
	return true
}

func generatePairs(count int) map[string][]byte {
	pairs := make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		pairs[uuid.NewString()] = []byte(strings.Join(generator.MustGenerate(4), "-"))
	}
	return pairs
}

func (c *Client) putGet(ctx context.Context, putNode, getNode, key string, value []byte) (time.Duration, bool) {
	start := time.Now()
	if _, err := c.Put(ctx, putNode, key, value); err != nil {
		c.logger.Debug("Check put failed", zap.String("node", putNode), zap.String("key", key), zap.Error(err))
		return time.Since(start), false
	}
	returned, err := c.Get(ctx, getNode, key)
	took := time.Since(start)
	if err != nil {
		c.logger.Debug("Check get failed", zap.String("node", getNode), zap.String("key", key), zap.Error(err))
		return took, false
	}
	return took, bytes.Equal(returned, value)
}

// sameNode stores and reads each pair through one node, moving round robin across the ring
func (c *Client) sameNode(ctx context.Context, nodes []string, pairs int) PhaseResult {
	res := PhaseResult{Name: "same node"}
	i := 0
	start := time.Now()
	for key, value := range generatePairs(pairs) {
		node := nodes[i%len(nodes)]
		took, ok := c.putGet(ctx, node, node, key, value)
		res.Tries++
		res.Latencies = append(res.Latencies, took)
		if ok {
			res.Successes++
		}
		i++
	}
	res.Elapsed = time.Since(start)
	return res
}

func (c *Client) differentNodes(ctx context.Context, nodes []string, pairs, concurrency int) PhaseResult {
	var (
		mu  sync.Mutex
		res = PhaseResult{Name: "different nodes"}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for key, value := range generatePairs(pairs) {
		key, value := key, value
		putNode := nodes[rand.Intn(len(nodes))]
		getNode := nodes[rand.Intn(len(nodes))]
		g.Go(func() error {
			took, ok := c.putGet(gctx, putNode, getNode, key, value)
			mu.Lock()
			defer mu.Unlock()
			res.Tries++
			res.Latencies = append(res.Latencies, took)
			if ok {
				res.Successes++
			}
			return nil
		})
	}
	g.Wait()
	res.Elapsed = time.Since(start)
	return res
}

func (c *Client) missingKey(ctx context.Context, nodes []string) MissingKeyResult {
	res := MissingKeyResult{
		Node: nodes[rand.Intn(len(nodes))],
		Key:  uuid.NewString(),
	}
	value, err := c.Get(ctx, res.Node, res.Key)
	switch {
	case err == nil:
		res.Status = http.StatusOK
		res.Body = string(value)
	default:
		var se *rpc.StatusError
		if errors.As(err, &se) {
			res.Status = se.Code
			res.Body = se.Message()
		} else {
			res.Body = err.Error()
		}
	}
	return res
}

func (c *Client) ringDigests(ctx context.Context, nodes []string) map[string]string {
	var (
		mu      sync.Mutex
		digests = make(map[string]string, len(nodes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultCheckConcurrency)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			view, err := c.Ring(gctx, node)
			if err != nil {
				c.logger.Warn("Failed to fetch ring view", zap.String("node", node), zap.Error(err))
			}
			mu.Lock()
			digests[node] = view.Digest
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return digests
}

// Check exercises a running ring end to end: discover it, store and read pairs through
// the same and through different nodes, and read a key that was never written.
func (c *Client) Check(ctx context.Context, cfg CheckConfig) (*Report, error) {
	if cfg.Pairs <= 0 {
		cfg.Pairs = DefaultCheckPairs
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultCheckConcurrency
	}

	nodes := c.Walk(ctx, cfg.Seeds)
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	c.logger.Info("Nodes registered", zap.Int("count", len(nodes)), zap.Strings("nodes", nodes))

	report := &Report{Nodes: nodes}
	report.Phases = append(report.Phases, c.sameNode(ctx, nodes, cfg.Pairs))
	report.Phases = append(report.Phases, c.differentNodes(ctx, nodes, cfg.Pairs, cfg.Concurrency))
	report.Missing = c.missingKey(ctx, nodes)
	if cfg.VerifyRing {
		report.Digests = c.ringDigests(ctx, nodes)
	}

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("check interrupted: %w", err)
	}
	return report, nil
}

func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "%d nodes registered: %s\n\n", len(r.Nodes), strings.Join(r.Nodes, ", "))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleDefault)
	t.AppendHeader(table.Row{"Phase", "Stored/Retrieved", "Success", "Pairs/s", "p50", "p90", "p99"})
	for _, p := range r.Phases {
		t.AppendRow(table.Row{
			p.Name,
			fmt.Sprintf("%d of %d", p.Successes, p.Tries),
			fmt.Sprintf("%.1f%%", p.SuccessRate()),
			fmt.Sprintf("%.1f", p.Throughput()),
			p.Percentile(50).Round(time.Microsecond),
			p.Percentile(90).Round(time.Microsecond),
			p.Percentile(99).Round(time.Microsecond),
		})
	}
	t.Render()

	fmt.Fprintf(w, "\nRetrieving a nonexistent key ...\n")
	fmt.Fprintf(w, "%s -- GET /%s\n", r.Missing.Node, r.Missing.Key)
	fmt.Fprintf(w, "Status: %d (expected 404)\n", r.Missing.Status)
	fmt.Fprintf(w, "Data  : %s\n", r.Missing.Body)

	if r.Digests == nil {
		return
	}
	fmt.Fprintf(w, "\n")
	dt := table.NewWriter()
	dt.SetOutputMirror(w)
	dt.SetStyle(table.StyleDefault)
	dt.AppendHeader(table.Row{"Node", "Ring digest"})
	for _, node := range r.Nodes {
		dt.AppendRow(table.Row{node, r.Digests[node]})
	}
	dt.SetCaption("(ring agreed: %v)", r.RingAgreed())
	dt.Render()
}
