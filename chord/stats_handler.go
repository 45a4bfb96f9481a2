package chord

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

func newTable(w http.ResponseWriter) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleDefault)
	t.Style().Options.SeparateRows = true
	return t
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	n := s.Node
	w.Header().Set("content-type", "text/plain; charset=utf-8")

	history := n.state.History()
	changes := make([]string, 0, len(history))
	for _, c := range history {
		changes = append(changes, fmt.Sprintf("%s@%s", c.State, c.At.Format(time.RFC3339)))
	}

	fmt.Fprintf(w, "Current state: %s (%s)\n", n.State(), n.OperationalState())
	fmt.Fprintf(w, "State history: %s\n", strings.Join(changes, " -> "))
	fmt.Fprintf(w, "Stable: %v\n", n.IsStable())
	fmt.Fprintf(w, "Ring: %s\n", n.ringTrace(r.Context()))
	fmt.Fprintf(w, "---\n")

	pre := n.getPredecessor()
	succ := n.getSuccessor()

	nodesTable := newTable(w)
	nodesTable.AppendHeader(table.Row{"Where", "ID", "Address"})
	if pre != nil {
		nodesTable.AppendRow(table.Row{"Predecessor", pre.ID, pre.Address})
	} else {
		nodesTable.AppendRow(table.Row{"Predecessor", "-", "(unknown)"})
	}
	nodesTable.AppendRow(table.Row{"Local", n.ID(), n.Address})
	nodesTable.AppendRow(table.Row{"Successor", succ.ID, succ.Address})
	nodesTable.SetCaption("(Last stabilized: %s)", n.lastStabilized.Load().Round(time.Second).String())
	nodesTable.Render()

	fmt.Fprintf(w, "---\n")

	fingerTable := newTable(w)
	fingerTable.AppendHeader(table.Row{"Range", "Start", "ID", "Address"})
	for _, span := range n.fingerTrace() {
		fingerTable.AppendRow(table.Row{
			fmt.Sprintf("%d/%d", span.Low, span.High),
			n.Ring.ModuloSum(n.ID(), 1<<span.Low),
			span.Finger.ID,
			span.Finger.Address,
		})
	}
	fingerTable.SetCaption("(ring size: %d, fix fingers: %v)", n.Ring.Size(), n.FixFingers)
	fingerTable.Render()

	fmt.Fprintf(w, "---\n")

	var misplaced map[string]bool
	if pre != nil {
		misplaced = make(map[string]bool)
		for _, slot := range kvFsck(n.Ring, n.KVProvider, pre.ID, n.ID()) {
			misplaced[slot] = true
		}
	}

	keysTable := newTable(w)
	keysTable.AppendHeader(table.Row{"owner", "id(slot)", "slot", "size"})
	slots := n.KVProvider.RangeSlots(func(uint64) bool { return true })
	for _, slot := range slots {
		id, err := n.Ring.SlotID(slot)
		if err != nil {
			continue
		}
		value, _ := n.KVProvider.Get(slot)
		ownership := ""
		if misplaced[slot] {
			ownership = "X"
		}
		keysTable.AppendRow(table.Row{ownership, id, slot, len(value)})
	}
	if pre == nil {
		keysTable.SetCaption("(With %d keys; ownership unknown without predecessor)", len(slots))
	} else {
		keysTable.SetCaption("(With %d keys; X in owner column indicates incorrect owner)", len(slots))
	}
	keysTable.Render()
}
