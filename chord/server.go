package chord

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.miragespace.co/chordkv/metrics"
	"go.miragespace.co/chordkv/spec/chord"
	"go.miragespace.co/chordkv/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"kon.nect.sh/httprate"
)

const (
	routePing              = "/ping"
	routeNotify            = "/notify"
	routeFindSuccessor     = "/findsuccessor/{id}"
	routeFindPredecessor   = "/findpredecessor"
	routeInformPredecessor = "/informPredecessor"
	routeInformSuccessor   = "/informSuccessor"
	routeJoin              = "/join"
	routeJoinID            = "/join/{id}"
	routeStorage           = "/storage/*"
	routeImport            = "/import"
	routeLeave             = "/leave"
	routeSimCrash          = "/sim-crash"
	routeSimRecover        = "/sim-recover"
	routeNodeInfo          = "/node-info"
	routeNeighbors         = "/neighbors"
	routeFingerTable       = "/fingertable"
	routeIsStable          = "/isStable"
	routeRing              = "/ring"
	routeGraph             = "/graph"
	routeStats             = "/stats"
	routeMetrics           = "/metrics"
)

const storagePrefix = "/storage/"

type ServerConfig struct {
	Logger      *zap.Logger
	Node        *LocalNode
	MaxBodySize int64
	// OperatorRate limits requests per second to operator routes, 0 disables
	OperatorRate int
}

type Server struct {
	ServerConfig
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = cfg.Node.Logger
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 8 << 20
	}
	return &Server{
		ServerConfig: cfg,
	}
}

type result struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// errorMessage prefers the registered sentinel so the peer can map it back
func errorMessage(err error) string {
	if root, ok := chord.RootError(err); ok {
		return root.Error()
	}
	return err.Error()
}

func errorStatus(err error) int {
	if errors.Is(err, chord.ErrNodeCrashed) {
		return http.StatusInternalServerError
	}
	return http.StatusNotFound
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.Logger.Debug("Request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeJSON(w, errorStatus(err), result{Error: errorMessage(err)})
}

func (s *Server) hopsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops := chord.ParseHops(r.Header.Get(chord.HopsHeader))
		next.ServeHTTP(w, r.WithContext(chord.WithHops(r.Context(), hops)))
	})
}

func (s *Server) crashGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Node.OperationalState() == chord.Crashed {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(result{Error: chord.ErrNodeCrashed.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.hopsMiddleware)

	operator := func(h http.Handler) http.Handler { return h }
	if s.OperatorRate > 0 {
		operator = httprate.LimitAll(s.OperatorRate, time.Second)
	}

	// liveness and diagnostics answer even when crashed
	router.Get(routePing, s.handlePing)
	router.Get(routeNodeInfo, s.handleNodeInfo)
	router.Get(routeIsStable, s.handleIsStable)
	router.Get(routeNeighbors, s.handleNeighbors)
	router.Get(routeRing, s.handleRing)
	router.Handle(routeMetrics, metrics.MetricsHandler())
	router.Group(func(r chi.Router) {
		r.Use(operator)
		r.Post(routeSimCrash, s.handleSimCrash)
		r.Post(routeSimRecover, s.handleSimRecover)
		r.Get(routeStats, s.handleStats)
		r.Get(routeGraph, s.handleGraph)
	})

	router.Group(func(r chi.Router) {
		r.Use(s.crashGuard)
		r.Use(util.LimitBody(s.MaxBodySize))

		r.Get(routeFindSuccessor, s.handleFindSuccessor)
		r.Get(routeFindPredecessor, s.handleFindPredecessor)
		r.Get(routeFingerTable, s.handleFingerTable)
		r.Post(routeNotify, s.handleNotify)
		r.Post(routeInformPredecessor, s.handleInformPredecessor)
		r.Post(routeInformSuccessor, s.handleInformSuccessor)

		r.Get(routeJoinID, s.handleJoinLookup)
		r.Post(routeJoinID, s.handleJoinLookup)
		r.Get(routeJoin, s.handleJoinSelf)
		r.With(operator).Post(routeJoin, s.handleJoin)

		r.Get(routeStorage, s.handleGet)
		r.Put(routeStorage, s.handlePut)
		r.Delete(routeStorage, s.handleDelete)
		r.Post(routeImport, s.handleImport)

		r.With(operator).Post(routeLeave, s.handleLeave)
	})

	return router
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.Node.Ping(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func parseID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, chord.Errorf(chord.ErrInvalidRequest, "identifier %q is not a number", raw)
	}
	return id, nil
}

// readAddress reads a host:port sent as the plain request body
func readAddress(r *http.Request) (string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", chord.Errorf(chord.ErrInvalidRequest, "reading body: %v", err)
	}
	addr := strings.TrimSpace(string(body))
	if addr == "" {
		return "", chord.Errorf(chord.ErrInvalidRequest, "missing address in body")
	}
	return addr, nil
}

func (s *Server) handleFindSuccessor(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	succ, err := s.Node.FindSuccessor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succ)
}

func (s *Server) handleFindPredecessor(w http.ResponseWriter, r *http.Request) {
	pre, err := s.Node.GetPredecessor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pre == nil {
		s.writeError(w, r, chord.ErrNodeNoPredecessor)
		return
	}
	writeJSON(w, http.StatusOK, pre)
}

func (s *Server) handleFingerTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Node.FingerTable())
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	addr, err := readAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Node.Notify(r.Context(), chord.NewFinger(s.Node.Ring, addr)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInformPredecessor(w http.ResponseWriter, r *http.Request) {
	addr, err := readAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Node.InformPredecessor(r.Context(), chord.NewFinger(s.Node.Ring, addr)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInformSuccessor(w http.ResponseWriter, r *http.Request) {
	addr, err := readAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Node.InformSuccessor(r.Context(), chord.NewFinger(s.Node.Ring, addr)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleJoinLookup(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	succ, err := s.Node.FindSuccessor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succ)
}

func (s *Server) handleJoinSelf(w http.ResponseWriter, r *http.Request) {
	succ, err := s.Node.FindSuccessor(r.Context(), s.Node.ID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succ)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	nprime := r.URL.Query().Get("nprime")
	if nprime == "" {
		s.handleJoinSelf(w, r)
		return
	}
	succ, err := s.Node.Join(r.Context(), nprime)
	if err != nil {
		s.Logger.Warn("Operator requested join failed", zap.String("nprime", nprime), zap.Error(err))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succ)
}

// storageKey extracts the key from the raw path so escaped slashes survive routing
func storageKey(r *http.Request) (string, error) {
	escaped := strings.TrimPrefix(r.URL.EscapedPath(), storagePrefix)
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", chord.Errorf(chord.ErrInvalidRequest, "malformed key: %v", err)
	}
	if key == "" {
		return "", chord.Errorf(chord.ErrInvalidRequest, "missing key")
	}
	return key, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := storageKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := s.Node.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("content-type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, err := storageKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, chord.Errorf(chord.ErrInvalidRequest, "reading value: %v", err))
		return
	}
	if err := s.Node.Put(r.Context(), key, value); err != nil {
		writeJSON(w, errorStatus(err), result{
			Result: fmt.Sprintf("Could not put data with key (%s) to the network.", key),
			Error:  errorMessage(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, result{
		Result: fmt.Sprintf("Value with key (%s) is stored to the network successfully.", key),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := storageKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Node.Delete(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result{
		Result: fmt.Sprintf("Key (%s) is removed from the network.", key),
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, chord.Errorf(chord.ErrInvalidRequest, "decoding entries: %v", err))
		return
	}
	if err := s.Node.Import(r.Context(), req.Entries); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result{Result: len(req.Entries)})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	err := s.Node.Leave(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, chord.ErrLeaveInvalidState) && s.Node.State() != chord.Leaving:
		// leaving a ring we are not part of is a no-op
	default:
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result{Result: s.Node.State().String()})
}

func (s *Server) handleSimCrash(w http.ResponseWriter, r *http.Request) {
	s.Node.SimCrash()
	writeJSON(w, http.StatusOK, result{Result: s.Node.OperationalState().String()})
}

func (s *Server) handleSimRecover(w http.ResponseWriter, r *http.Request) {
	s.Node.SimRecover()
	writeJSON(w, http.StatusOK, result{Result: s.Node.OperationalState().String()})
}

type NodeInfo struct {
	NodeKey     string   `json:"node_key"`
	NodeAddress string   `json:"node_address"`
	Successor   string   `json:"successor"`
	Others      []string `json:"others"`
	Predecessor *string  `json:"predecessor"`
	SimCrash    bool     `json:"sim_crash"`
	State       string   `json:"state"`
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	info := NodeInfo{
		NodeKey:     strconv.FormatUint(s.Node.ID(), 10),
		NodeAddress: s.Node.Address,
		Successor:   s.Node.getSuccessor().Address,
		Others:      []string{},
		SimCrash:    s.Node.OperationalState() == chord.Crashed,
		State:       s.Node.State().String(),
	}
	if pre := s.Node.getPredecessor(); pre != nil {
		addr := pre.Address
		info.Predecessor = &addr
		info.Others = append(info.Others, addr)
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Node.Neighbors())
}

func (s *Server) handleIsStable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Node.IsStable())
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	view, err := s.Node.RingView(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
