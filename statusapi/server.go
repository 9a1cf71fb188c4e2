// Package statusapi exposes a read-only HTTP view of a running node: its
// identity, peer table, trust ledger and data store. It never mutates any
// of them — the single-threaded node event loop remains the only writer.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/blindxfish/meshkv/datastore"
	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/peertable"
	"github.com/blindxfish/meshkv/trust"
)

// NodeView is the read-only slice of a node's state statusapi renders.
// node.Node satisfies this; tests can supply a smaller fake.
type NodeView interface {
	LocalAddrString() string
	ID() identity.PeerId
	Table() *peertable.Table
	Ledger() *trust.Ledger
	Store() *datastore.Store
}

// Server is a standalone HTTP status server for one node.
type Server struct {
	view      NodeView
	startedAt time.Time
	router    *mux.Router
	server    *http.Server
	stopChan  chan struct{}
	isRunning bool
}

// New creates a status server bound to addr (":8080"-style), exposing
// view's state.
func New(addr string, view NodeView) *Server {
	router := mux.NewRouter()
	s := &Server{
		view:   view,
		router: router,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		stopChan: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET")
	s.router.HandleFunc("/trust", s.handleTrust).Methods("GET")
	s.router.HandleFunc("/store/{key}", s.handleStoreKey).Methods("GET")
}

// Start begins serving in the background. Start does not block.
func (s *Server) Start() error {
	if s.isRunning {
		return fmt.Errorf("statusapi: already running")
	}
	s.isRunning = true
	s.startedAt = time.Now()
	log.Printf("statusapi: listening on %s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("statusapi: server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if !s.isRunning {
		return fmt.Errorf("statusapi: not running")
	}
	s.isRunning = false
	close(s.stopChan)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, map[string]interface{}{
		"id":         s.view.ID().String(),
		"listen":     s.view.LocalAddrString(),
		"running":    s.isRunning,
		"uptime_sec": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, s.view.Table().Stats())
}

type trustRow struct {
	Of             string  `json:"of"`
	Trust          float32 `json:"trust"`
	Classification string  `json:"classification"`
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	ledger := s.view.Ledger()
	entries := ledger.BaseTrustTable()
	rows := make([]trustRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, trustRow{
			Of:             entry.Of.String(),
			Trust:          entry.Trust,
			Classification: ledger.Classify(entry.Of).String(),
		})
	}
	s.sendJSON(w, rows)
}

func (s *Server) handleStoreKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	count := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	s.sendJSON(w, s.view.Store().Get(key, count))
}

func (s *Server) sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("statusapi: encode response: %v", err)
	}
}
