// Package service exposes the read-only query boundary of a weave node over
// HTTP: account state, merkle proofs, the finalized root, and finality
// status of individual events.
package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/purpleprotocol/weave/src/consensus"
	"github.com/purpleprotocol/weave/src/node"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers. This is useful when weave is used
// in-memory and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering weave API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/account/", s.makeHandler(s.GetAccount))
	http.HandleFunc("/proof/", s.makeHandler(s.GetProof))
	http.HandleFunc("/root", s.makeHandler(s.GetRoot))
	http.HandleFunc("/final/", s.makeHandler(s.GetFinal))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving weave API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// AccountResponse is the JSON shape of /account/ answers.
type AccountResponse struct {
	Account string `json:"account"`
	Exists  bool   `json:"exists"`
	State   []byte `json:"state,omitempty"`
	Root    string `json:"root"`
}

// GetAccount returns the state blob of an account at the current root.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Path[len("/account/"):]
	if account == "" {
		http.Error(w, "missing account", http.StatusBadRequest)
		return
	}

	snapshot := s.node.StateSnapshot()

	value, ok, err := snapshot.Get([]byte(account))
	if err != nil {
		s.logger.WithError(err).Errorf("Reading account %s", account)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(AccountResponse{
		Account: account,
		Exists:  ok,
		State:   value,
		Root:    fmt.Sprintf("%X", snapshot.Root()),
	})
}

// ProofResponse is the JSON shape of /proof/ answers. The proof can be
// checked against the root with state.Verify without any access to the node.
type ProofResponse struct {
	Account string `json:"account"`
	Exists  bool   `json:"exists"`
	State   []byte `json:"state,omitempty"`
	Root    string `json:"root"`

	Siblings      [][]byte `json:"siblings"`
	LeafPath      []byte   `json:"leaf_path,omitempty"`
	LeafValueHash []byte   `json:"leaf_value_hash,omitempty"`
}

// GetProof returns a membership or non-membership proof for an account
// against the current root.
func (s *Service) GetProof(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Path[len("/proof/"):]
	if account == "" {
		http.Error(w, "missing account", http.StatusBadRequest)
		return
	}

	snapshot := s.node.StateSnapshot()

	value, ok, err := snapshot.Get([]byte(account))
	if err != nil {
		s.logger.WithError(err).Errorf("Reading account %s", account)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	proof, err := snapshot.Prove([]byte(account))
	if err != nil {
		s.logger.WithError(err).Errorf("Proving account %s", account)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(ProofResponse{
		Account:       account,
		Exists:        ok,
		State:         value,
		Root:          fmt.Sprintf("%X", snapshot.Root()),
		Siblings:      proof.Siblings,
		LeafPath:      proof.LeafPath,
		LeafValueHash: proof.LeafValueHash,
	})
}

// GetRoot returns the finalized state root.
func (s *Service) GetRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(map[string]string{
		"root": fmt.Sprintf("%X", s.node.FinalizedRoot()),
	})
}

// FinalResponse is the JSON shape of /final/ answers.
type FinalResponse struct {
	Event   string             `json:"event"`
	Status  string             `json:"status"`
	Receipt *consensus.Receipt `json:"receipt,omitempty"`
}

// GetFinal returns the finality status of an event id, with its execution
// receipt once it is final.
func (s *Service) GetFinal(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/final/"):]
	if id == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	res := FinalResponse{
		Event:  id,
		Status: s.node.Status(id).String(),
	}

	if receipt, ok := s.node.Receipt(id); ok {
		res.Receipt = receipt
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}
