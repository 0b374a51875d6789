// Package api serves the token list to the presentation layer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rnts08/base-token-watch/src/filter"
	"github.com/rnts08/base-token-watch/src/tracker"
)

// Source is the read and reset surface of the tracker.
type Source interface {
	List(opts filter.Options) []tracker.View
	Detail(address string) (tracker.Detail, bool)
	Stats() tracker.Stats
	Reset(ctx context.Context) error
}

type Server struct {
	src Source
	log zerolog.Logger
	mux *http.ServeMux
}

func New(src Source, log zerolog.Logger) *Server {
	s := &Server{src: src, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /tokens", s.handleList)
	s.mux.HandleFunc("GET /tokens/{address}", s.handleDetail)
	s.mux.HandleFunc("POST /refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type listResponse struct {
	Count  int            `json:"count"`
	Tokens []tracker.View `json:"tokens"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	views := s.src.List(opts)
	s.writeJSON(w, http.StatusOK, listResponse{Count: len(views), Tokens: views})
}

// parseOptions reads the filter toggles from the query string. Pairless
// tokens are hidden unless hidePairless=false.
func parseOptions(r *http.Request) (filter.Options, error) {
	opts := filter.Options{HidePairless: true}
	q := r.URL.Query()
	fields := []struct {
		name string
		dst  *bool
	}{
		{"hideCommunityVoted", &opts.HideCommunityVoted},
		{"hideNoMarketCap", &opts.HideNoMarketCap},
		{"hideInactivePairs", &opts.HideInactivePairs},
		{"hideOlderThan24h", &opts.HideOlderThan24h},
		{"hideUnverified", &opts.HideUnverified},
		{"hidePairless", &opts.HidePairless},
	}
	for _, f := range fields {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s: %q", f.name, v)
		}
		*f.dst = b
	}
	return opts, nil
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", addr))
		return
	}
	d, ok := s.src.Detail(addr)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("token %s not tracked", addr))
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.src.Reset(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("refresh failed")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.src.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
