package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dubu/turbo-nfc/bridge"
	"github.com/dubu/turbo-nfc/buildinfo"
	"github.com/dubu/turbo-nfc/nfc"
	"github.com/dubu/turbo-nfc/protocol"
)

const maxBodySize = 64 << 10

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Printf("encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.CallResult{Success: false, Error: message, Code: code})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, buildinfo.DisplayName+" "+buildinfo.FullVersion()+" running\n")
}

func readerStatus(st nfc.DeviceStatus) protocol.ReaderStatus {
	return protocol.ReaderStatus{
		Connected:   st.Connected,
		Device:      st.Device,
		Message:     st.Message,
		CardPresent: st.CardPresent,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Version:   buildinfo.FullVersion(),
		Reader:    readerStatus(s.status()),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Registry.Describe())
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.tokens.Allow(r.RemoteAddr) {
		metricHandshakes.WithLabelValues("rate_limited").Inc()
		respondError(w, http.StatusTooManyRequests, protocol.ErrCodeRateLimited, "too many handshake attempts")
		return
	}

	var req protocol.HandshakeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "invalid handshake body")
		return
	}

	token, expires, err := s.tokens.Issue(req.Secret, r.Header.Get("Origin"), r.RemoteAddr)
	if err != nil {
		metricHandshakes.WithLabelValues("rejected").Inc()
		respondError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, err.Error())
		return
	}
	metricHandshakes.WithLabelValues("issued").Inc()
	respondJSON(w, http.StatusOK, protocol.HandshakeResponse{
		Token:     token,
		ExpiresAt: expires.Format(time.RFC3339),
	})
}

// handleCall invokes a module method. The request context is the call
// context, so a client that disconnects cancels a blocking read.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req protocol.CallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, "invalid call body")
		return
	}

	result := s.invoke(r.Context(), chi.URLParam(r, "module"), chi.URLParam(r, "method"), req.Args)
	respondJSON(w, statusForCode(result.Code), result)
}

func (s *Server) invoke(ctx context.Context, module, method string, args json.RawMessage) protocol.CallResult {
	payload, err := s.cfg.Registry.Invoke(ctx, module, method, args)
	if err != nil {
		return protocol.CallResult{Success: false, Payload: payload, Error: err.Error(), Code: bridge.CodeOf(err)}
	}
	return protocol.CallResult{Success: true, Payload: payload}
}

func statusForCode(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case bridge.CodeUnknownModule, bridge.CodeUnknownMethod:
		return http.StatusNotFound
	case bridge.CodeInvalidArgs, bridge.CodeUnknownEvent:
		return http.StatusBadRequest
	case bridge.CodeSessionBusy:
		return http.StatusConflict
	case bridge.CodeNotSupported, bridge.CodeNotAvailable, bridge.CodeDisabled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
