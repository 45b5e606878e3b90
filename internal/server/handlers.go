package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/KARTIKrocks/go-tierlimit/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var errInvalidBody = errors.New("invalid request body")

type errorResponse struct {
	Error string `json:"error"`
}

type tierResponse struct {
	Tier        ratelimit.Tier `json:"tier"`
	MaxRequests int            `json:"max_requests"`
	Window      string         `json:"window"`
}

type algorithmResponse struct {
	Kind    ratelimit.Kind `json:"kind"`
	Name    string         `json:"name"`
	Default bool           `json:"default"`
}

type clientResponse struct {
	ID        string         `json:"id"`
	Tier      ratelimit.Tier `json:"tier"`
	Algorithm ratelimit.Kind `json:"algorithm"`
	Name      string         `json:"algorithm_name"`
	Override  bool           `json:"override"`
	Quota     string         `json:"quota"`
}

type registerRequest struct {
	ID        string `json:"id"`
	Tier      string `json:"tier"`
	Algorithm string `json:"algorithm,omitempty"`
}

type algorithmRequest struct {
	Algorithm string `json:"algorithm"`
}

type decisionResponse struct {
	Allowed      bool      `json:"allowed"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
}

type remainingResponse struct {
	ID        string `json:"id"`
	Remaining int    `json:"remaining"`
}

func toClientResponse(info ratelimit.ClientInfo) clientResponse {
	return clientResponse{
		ID:        info.ID,
		Tier:      info.Tier,
		Algorithm: info.Algorithm,
		Name:      info.Algorithm.DisplayName(),
		Override:  info.Override,
		Quota:     info.Config.String(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	tiers := s.svc.Tiers()
	out := make([]tierResponse, 0, len(tiers))
	for tier, cfg := range tiers {
		out = append(out, tierResponse{Tier: tier, MaxRequests: cfg.MaxRequests, Window: cfg.Window.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaxRequests < out[j].MaxRequests })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	out := make([]algorithmResponse, 0, len(ratelimit.Kinds()))
	for _, k := range ratelimit.Kinds() {
		out = append(out, algorithmResponse{Kind: k, Name: k.DisplayName(), Default: k == s.svc.DefaultAlgorithm()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients := s.svc.Clients()
	out := make([]clientResponse, 0, len(clients))
	for _, info := range clients {
		out = append(out, toClientResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var kind ratelimit.Kind
	if req.Algorithm != "" {
		k, err := ratelimit.ParseKind(req.Algorithm)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		kind = k
	}

	status := http.StatusCreated
	if _, err := s.svc.Client(req.ID); err == nil {
		status = http.StatusOK
	}

	if err := s.svc.Register(req.ID, ratelimit.ParseTier(req.Tier)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if kind != "" {
		if err := s.svc.SetAlgorithm(req.ID, kind); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	info, err := s.svc.Client(req.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("client registered", "client", info.ID, "tier", info.Tier, "algorithm", info.Algorithm)
	writeJSON(w, status, toClientResponse(info))
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Client(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientResponse(info))
}

func (s *Server) handleUnregisterClient(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unregister(chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAlgorithm(w http.ResponseWriter, r *http.Request) {
	var req algorithmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var kind ratelimit.Kind
	if req.Algorithm != "" {
		k, err := ratelimit.ParseKind(req.Algorithm)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		kind = k
	}

	id := chi.URLParam(r, "id")
	if err := s.svc.SetAlgorithm(id, kind); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	info, err := s.svc.Client(id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientResponse(info))
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Allow(chi.URLParam(r, "id"))
	if err != nil {
		if ratelimit.IsClientNotFound(err) {
			s.collector.RecordError(metrics.ReasonUnknownClient)
		}
		s.writeServiceError(w, r, err)
		return
	}

	ratelimit.AddRateLimitHeaders(w, d)
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, decisionResponse{
		Allowed:      d.Allowed,
		Limit:        d.Limit,
		Remaining:    d.Remaining,
		ResetAt:      d.ResetAt,
		RetryAfterMS: d.RetryAfter.Milliseconds(),
	})
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.svc.Remaining(id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remainingResponse{ID: id, Remaining: n})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// rejectUnknownClient answers the protected routes for unregistered clients.
func (s *Server) rejectUnknownClient(w http.ResponseWriter, r *http.Request, clientID string) {
	s.collector.RecordError(metrics.ReasonUnknownClient)
	if clientID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + ratelimit.DefaultClientHeader + " header"})
		return
	}
	writeJSON(w, http.StatusForbidden, errorResponse{Error: "unknown client"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errInvalidBody
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errInvalidBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeServiceError maps Service errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ratelimit.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, ratelimit.ErrUnknownTier),
		errors.Is(err, ratelimit.ErrUnknownAlgorithm),
		errors.Is(err, ratelimit.ErrInvalidClientID),
		errors.Is(err, ratelimit.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
