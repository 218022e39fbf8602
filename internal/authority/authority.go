// Package authority is a bench stand-in for the remote authority: it serves
// a scripted desired-state declaration and collects telemetry reports.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"circuit-agent/internal/telemetry"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Outage selects how the declaration endpoint misbehaves.
type Outage string

const (
	OutageNone  Outage = "none"
	OutageError Outage = "error" // 503 on every fetch
	OutageEmpty Outage = "empty" // 200 with an empty body
)

type Circuit struct {
	CircuitNum int  `json:"circuit_num"`
	State      bool `json:"state"`
}

type Declaration struct {
	Data []Circuit `json:"data"`
}

// Step is one stage of a scripted scenario.
type Step struct {
	Name   string
	States []bool
	Outage Outage
	Hold   time.Duration
}

type Server struct {
	logger *logrus.Logger

	mu       sync.Mutex
	circuits []Circuit
	outage   Outage
	reports  []telemetry.Payload
	fetches  int
}

// NewServer declares one circuit per id, all off.
func NewServer(ids []int, logger *logrus.Logger) *Server {
	circuits := make([]Circuit, len(ids))
	for i, id := range ids {
		circuits[i] = Circuit{CircuitNum: id}
	}
	return &Server{
		logger:   logger,
		circuits: circuits,
		outage:   OutageNone,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/testResponse/{site}/", s.declarationHandler).Methods("GET")
	r.HandleFunc("/api/sendReading/", s.readingHandler).Methods("POST")
	r.HandleFunc("/api/readings/latest", s.latestHandler).Methods("GET")
	r.HandleFunc("/api/circuits/{num}", s.circuitHandler).Methods("PUT")
	r.HandleFunc("/api/outage", s.outageHandler).Methods("PUT")
	return r
}

// Apply switches the declaration to a scenario step.
func (s *Server) Apply(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.circuits {
		if i < len(step.States) {
			s.circuits[i].State = step.States[i]
		}
	}
	if step.Outage != "" {
		s.outage = step.Outage
	}
}

// RunScenario applies each step in turn and waits its hold time.
func (s *Server) RunScenario(ctx context.Context, steps []Step) error {
	for _, step := range steps {
		s.Apply(step)
		s.logger.WithFields(logrus.Fields{
			"states": step.States,
			"outage": step.Outage,
			"hold":   step.Hold,
		}).Infof("Scenario step: %s", step.Name)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.Hold):
		}
	}
	s.logger.Info("Scenario finished")
	return nil
}

// Reports returns the reports received so far.
func (s *Server) Reports() []telemetry.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Payload(nil), s.reports...)
}

func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *Server) declarationHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.fetches++
	outage := s.outage
	decl := Declaration{Data: append([]Circuit(nil), s.circuits...)}
	s.mu.Unlock()

	switch outage {
	case OutageError:
		http.Error(w, "authority unavailable", http.StatusServiceUnavailable)
		return
	case OutageEmpty:
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decl)
}

func (s *Server) readingHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := telemetry.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.reports = append(s.reports, payload)
	s.mu.Unlock()

	for _, reading := range payload.Readings() {
		s.logger.WithFields(logrus.Fields{
			"serial":  payload.Serial(),
			"circuit": reading.CircuitNum,
		}).Infof("Reading %s", humanize.SIWithDigits(reading.Power, 2, "W"))
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) latestHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.reports)
	var last telemetry.Payload
	if n > 0 {
		last = s.reports[n-1]
	}
	s.mu.Unlock()

	if n == 0 {
		http.Error(w, "no reading yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(last)
}

func (s *Server) circuitHandler(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(mux.Vars(r)["num"])
	if err != nil {
		http.Error(w, "circuit number must be an integer", http.StatusBadRequest)
		return
	}
	var body struct {
		State bool `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	found := false
	for i := range s.circuits {
		if s.circuits[i].CircuitNum == num {
			s.circuits[i].State = body.State
			found = true
		}
	}
	s.mu.Unlock()

	if !found {
		http.Error(w, fmt.Sprintf("circuit %d not declared", num), http.StatusNotFound)
		return
	}
	s.logger.Infof("Circuit %d set to %t", num, body.State)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) outageHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode Outage `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch body.Mode {
	case OutageNone, OutageError, OutageEmpty:
	default:
		http.Error(w, fmt.Sprintf("unknown outage mode %q", body.Mode), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.outage = body.Mode
	s.mu.Unlock()
	s.logger.Infof("Outage mode: %s", body.Mode)
	w.WriteHeader(http.StatusNoContent)
}
