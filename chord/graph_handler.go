package chord

import (
	"net/http"

	"go.miragespace.co/chordkv/spec/chord"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

func formatFinger(f chord.Finger) string {
	return f.String()
}

var vOptions = []func(*graph.VertexProperties){
	graph.VertexAttribute("shape", "box"),
}

var selfVOptions = append(vOptions,
	graph.VertexAttribute("style", "filled"),
	graph.VertexAttribute("color", "yellow"),
)

// ringGraph renders the ring as a directed cycle, highlighting the node that walked it
func ringGraph(self chord.Finger, nodes []chord.Finger) graph.Graph[string, chord.Finger] {
	ring := graph.New(formatFinger, graph.Directed())

	for _, node := range nodes {
		if node.ID == self.ID {
			ring.AddVertex(node, selfVOptions...)
		} else {
			ring.AddVertex(node, vOptions...)
		}
	}

	if len(nodes) < 2 {
		return ring
	}
	for i := 0; i < len(nodes)-1; i++ {
		ring.AddEdge(formatFinger(nodes[i]), formatFinger(nodes[i+1]))
	}
	ring.AddEdge(formatFinger(nodes[len(nodes)-1]), formatFinger(nodes[0]))

	return ring
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	view, err := s.Node.RingView(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "text/plain")
	draw.DOT(ringGraph(s.Node.Identity(), view.Nodes), w)
}
