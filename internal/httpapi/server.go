package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/shinnpuru/moecall/internal/bridge"
	"github.com/shinnpuru/moecall/internal/calllog"
	"github.com/shinnpuru/moecall/internal/config"
	"github.com/shinnpuru/moecall/internal/observability"
	"github.com/shinnpuru/moecall/internal/protocol"
	"github.com/shinnpuru/moecall/internal/session"
	"github.com/shinnpuru/moecall/internal/upstream"
)

type Server struct {
	cfg      config.Config
	calls    *session.Manager
	provider upstream.Provider
	store    calllog.Store
	metrics  *observability.Metrics
	log      *log.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls *session.Manager, provider upstream.Provider, store calllog.Store, metrics *observability.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		calls:    calls,
		provider: provider,
		store:    store,
		metrics:  metrics,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive the user's mic
				// if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/call", s.handleCreateCall)
	r.Get("/v1/call/{id}", s.handleGetCall)
	r.Post("/v1/call/{id}/end", s.handleEndCall)
	r.Get("/v1/call/{id}/events", s.handleCallEvents)
	r.Get("/v1/call/ws", s.handleCallWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.cfg.UpstreamProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Persona = req.Persona.Normalize()
	if err := req.Persona.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_persona", err.Error())
		return
	}

	call := s.calls.Create(req.Persona)
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	s.metrics.CallEvents.WithLabelValues("created").Inc()
	s.recordEvent(call.ID, calllog.KindStarted, req.Persona.Name)

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		CallID:          call.ID,
		Persona:         call.Persona,
		Status:          call.Status,
		StartedAt:       call.StartedAt,
		LastActivityAt:  call.LastActivityAt,
		InactivityTTLMS: s.cfg.CallInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.calls.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}

	call, err := s.calls.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	s.metrics.CallEvents.WithLabelValues("ended").Inc()
	s.recordEvent(call.ID, calllog.KindEnded, "")
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.calls.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	events, err := s.store.CallEvents(r.Context(), id, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if events == nil {
		events = []calllog.EventRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_id", "query parameter call_id is required")
		return
	}

	call, err := s.calls.Get(callID)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if call.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "call_ended", "call is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.CallEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	b := bridge.New(bridge.Config{
		CallID:           call.ID,
		Persona:          call.Persona,
		Provider:         s.provider,
		Model:            s.cfg.LiveModel,
		Voice:            s.cfg.LiveVoice,
		InputSampleRate:  s.cfg.CaptureSampleRate,
		OutputSampleRate: s.cfg.PlaybackSampleRate,
		PendingLimit:     s.cfg.PendingAudioFrames,
		Logger:           s.log,
		Metrics:          s.metrics,
	})
	defer b.Close()
	if err := s.calls.Attach(call.ID, b); err != nil {
		s.log.Printf("call %s: attach failed: %v", call.ID, err)
		return
	}
	if err := b.Start(ctx); err != nil {
		s.log.Printf("call %s: start failed: %v", call.ID, err)
		return
	}

	// Messages the gateway itself needs to send, merged with the bridge's
	// outbound stream by the single writer goroutine below.
	gatewayOut := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-b.Done():
				return
			case msg = <-gatewayOut:
			case msg = <-b.Outbound():
			}
			s.observeOutbound(call.ID, msg)
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				CallID:    callID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case gatewayOut <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
			if err != nil {
				continue
			}
			_ = s.calls.Touch(callID)
			if err := b.SendAudio(pcm); err != nil {
				break readLoop
			}
		case protocol.ClientControl:
			_ = s.calls.Touch(callID)
			switch msg.Action {
			case protocol.ActionInterrupt:
				b.Interrupt()
				_ = s.calls.RecordInterruption(callID)
			case protocol.ActionRetry:
				if err := b.Retry(); err != nil {
					s.log.Printf("call %s: retry rejected: %v", callID, err)
				}
			case protocol.ActionStop:
				break readLoop
			}
		}

		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	cancel()
	_ = b.Close()
	<-writerDone
	if call, err := s.calls.End(callID); err == nil && call.Status == session.StatusEnded {
		s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	}
	s.metrics.CallEvents.WithLabelValues("ws_disconnected").Inc()
}

// observeOutbound records lifecycle events for the call log as messages
// pass through the writer. Recording is best effort.
func (s *Server) observeOutbound(callID string, msg any) {
	switch m := msg.(type) {
	case protocol.StatusEvent:
		if m.Status == string(bridge.StatusConnected) {
			s.recordEvent(callID, calllog.KindConnected, "")
		}
	case protocol.PlaybackCleared:
		s.recordEvent(callID, calllog.KindInterrupted, m.Reason)
	case protocol.ErrorEvent:
		s.metrics.CallEvents.WithLabelValues("error_surfaced").Inc()
		s.metrics.ObserveStageIndicator(observability.IndicatorErrorSurfaced)
		s.recordEvent(callID, calllog.KindErrored, m.Detail)
	}
}

func (s *Server) recordEvent(callID, kind, detail string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Record(ctx, calllog.EventRecord{CallID: callID, Kind: kind, Detail: detail}); err != nil {
		s.log.Printf("call %s: record %s event: %v", callID, kind, err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ModelAudioChunk:
		return m.Type, true
	case protocol.PlaybackCleared:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
