// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingest exposes the HTTP endpoint producers post event batches to.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/eventpipe/event"
	"github.com/absmach/eventpipe/ratelimit"
	"github.com/absmach/eventpipe/transport"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const defaultMaxBodyBytes = 1 << 20

// Rejection reasons reported to the Recorder.
const (
	ReasonRateLimited = "rate_limited"
	ReasonMalformed   = "malformed"
	ReasonTooLarge    = "too_large"
	ReasonUnavailable = "unavailable"
)

// Config holds ingest server configuration.
type Config struct {
	Address         string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Recorder receives ingest outcomes.
type Recorder interface {
	RecordReceived(ctx context.Context, events int)
	RecordRejected(ctx context.Context, reason string)
}

// Server accepts event batches over HTTP and hands them to a transport,
// normally a queued one.
type Server struct {
	config   Config
	sink     transport.Transport
	limiter  *ratelimit.IPRateLimiter
	recorder Recorder
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates an ingest server. limiter and recorder may be nil.
func New(cfg Config, sink transport.Transport, limiter *ratelimit.IPRateLimiter, recorder Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:   cfg,
		sink:     sink,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
	}

	// Producers may post over cleartext HTTP/2.
	h2s := &http2.Server{}
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(s.Handler(), h2s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the ingest routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the ingest server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("ingest server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("ingest server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("ingest server stopped")
		return nil
	}
}

// AcceptedResponse is returned with 202 Accepted.
type AcceptedResponse struct {
	Accepted int `json:"accepted"`
}

// ErrorResponse is returned with every rejection.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	if s.limiter != nil && !s.limiter.AllowRequest(r) {
		s.reject(ctx, w, http.StatusTooManyRequests, ReasonRateLimited, "rate limit exceeded")
		return
	}

	events, err := s.decode(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(ctx, w, http.StatusRequestEntityTooLarge, ReasonTooLarge, "request body too large")
			return
		}
		s.reject(ctx, w, http.StatusBadRequest, ReasonMalformed, err.Error())
		return
	}

	if err := s.sink.Handle(ctx, events); err != nil {
		s.logger.Error("failed to accept events",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()))
		s.reject(ctx, w, http.StatusServiceUnavailable, ReasonUnavailable, "events could not be queued")
		return
	}

	if s.recorder != nil {
		s.recorder.RecordReceived(ctx, len(events))
	}
	s.logger.Debug("events accepted", slog.Int("events", len(events)))

	writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: len(events)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) ([]event.Event, error) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		// The decompressed size is bounded too.
		body = http.MaxBytesReader(w, zr, s.config.MaxBodyBytes)
	}

	batch, err := transport.DecodeBatch(body)
	if err != nil {
		return nil, err
	}
	return batch.Events, nil
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, status int, reason, msg string) {
	if s.recorder != nil {
		s.recorder.RecordRejected(ctx, reason)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
