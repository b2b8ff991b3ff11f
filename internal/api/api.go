// Package api provides the HTTP server and bootstrap logic for RiskPipe.
//
// It exposes the question catalog, direct-form assessment, the chat session
// endpoints and, when a WhatsApp transport is configured, the inbound message
// surfaces. The API wires together the flow, inference, store, messaging and
// genai modules.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/genai"
	"github.com/BTreeMap/RiskPipe/internal/inference"
	"github.com/BTreeMap/RiskPipe/internal/messaging"
	"github.com/BTreeMap/RiskPipe/internal/store"
	"github.com/BTreeMap/RiskPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RiskPipe/internal/whatsapp"
)

const (
	// DefaultServerAddress is the listen address when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown of the HTTP server.
	DefaultShutdownTimeout = 15 * time.Second
)

// Transport selects how questionnaire messages reach participants.
type Transport string

const (
	// TransportNone serves only the HTTP surfaces.
	TransportNone Transport = ""
	// TransportWhatsApp uses a linked WhatsApp device through whatsmeow.
	TransportWhatsApp Transport = "whatsapp"
	// TransportTwilio uses the Twilio WhatsApp API.
	TransportTwilio Transport = "twilio"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr               string
	ModelPath          string
	StrictAnswers      bool
	SessionIdleTimeout time.Duration
	HookTimeout        time.Duration
	Transport          Transport
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithModelPath sets the path of the classifier artifact.
func WithModelPath(path string) Option {
	return func(o *Opts) {
		o.ModelPath = path
	}
}

// WithStrictAnswers makes unparseable answers re-prompt instead of defaulting.
func WithStrictAnswers(strict bool) Option {
	return func(o *Opts) {
		o.StrictAnswers = strict
	}
}

// WithSessionIdleTimeout sets how long an untouched session survives.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SessionIdleTimeout = d
	}
}

// WithHookTimeout bounds how long one inbound message may be processed before
// the participant is told the reply is delayed.
func WithHookTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.HookTimeout = d
	}
}

// WithTransport selects the messaging transport.
func WithTransport(t Transport) Option {
	return func(o *Opts) {
		o.Transport = t
	}
}

// Run loads the classifier, opens the store, starts the configured messaging
// transport and serves the HTTP API until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{Addr: DefaultServerAddress, SessionIdleTimeout: flow.DefaultIdleTimeout, HookTimeout: messaging.DefaultHookTimeout}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("API options applied", "addr", cfg.Addr, "modelPath", cfg.ModelPath, "strict", cfg.StrictAnswers,
		"hookTimeout", cfg.HookTimeout, "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clf, err := inference.LoadModel(cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to load classifier: %w", err)
	}
	infer := inference.NewInvoker(clf).Infer

	st, err := createStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	// HTTP chat sessions and messaging participants never share a manager, so
	// no session ID from one surface resolves on the other.
	chatSessions := flow.NewSessionManager(flow.WithStrictAnswers(cfg.StrictAnswers))
	go flow.NewSessionPruner(chatSessions, cfg.SessionIdleTimeout, flow.DefaultPruneInterval).Run(ctx)

	var serverOpts []ServerOption
	narrator := createNarrator(genaiOpts)
	if narrator != nil {
		serverOpts = append(serverOpts, WithNarrator(narrator))
	}

	msgService, err := createMessagingService(ctx, cfg.Transport, waOpts, twilioOpts)
	if err != nil {
		return fmt.Errorf("failed to create messaging service: %w", err)
	}
	if msgService != nil {
		var qOpts []messaging.QuestionnaireOption
		if narrator != nil {
			qOpts = append(qOpts, messaging.WithNarrator(narrator))
		}
		participantSessions := flow.NewSessionManager(flow.WithStrictAnswers(cfg.StrictAnswers))
		questionnaire := messaging.NewQuestionnaire(msgService, participantSessions, infer, st, qOpts...)
		respHandler := messaging.NewResponseHandler(msgService,
			messaging.WithAutoEnroll(questionnaire.Hook),
			messaging.WithHookTimeout(cfg.HookTimeout))

		if err := msgService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer func() {
			if err := msgService.Stop(); err != nil {
				slog.Error("Failed to stop messaging service", "error", err)
			}
		}()
		go messaging.RecordReceipts(ctx, msgService, st)
		respHandler.Start(ctx)
		go flow.NewSessionPruner(participantSessions, cfg.SessionIdleTimeout, flow.DefaultPruneInterval,
			flow.WithOnPrune(messaging.UnregisterOnPrune(respHandler))).Run(ctx)

		serverOpts = append(serverOpts, WithMessaging(msgService, respHandler, questionnaire))
	}

	server := NewServer(st, chatSessions, infer, serverOpts...)
	return server.serve(ctx, cfg.Addr)
}

// createStore picks the store implementation from the configured DSN.
func createStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("Using SQLite store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// createNarrator returns a GenAI client when an API key is available and nil otherwise.
func createNarrator(genaiOpts []genai.Option) messaging.Narrator {
	client, err := genai.NewClient(genaiOpts...)
	if errors.Is(err, genai.ErrAPIKeyNotSet) {
		slog.Info("OpenAI API key not set, results will not be narrated")
		return nil
	}
	if err != nil {
		slog.Warn("Failed to create GenAI client, results will not be narrated", "error", err)
		return nil
	}
	return client
}

func createMessagingService(ctx context.Context, transport Transport, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, error) {
	switch transport {
	case TransportNone:
		slog.Info("No messaging transport configured, serving HTTP only")
		return nil, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, err
		}
		slog.Info("Using WhatsApp transport")
		return messaging.NewWhatsAppService(client), nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, err
		}
		slog.Info("Using Twilio WhatsApp transport")
		return messaging.NewTwilioService(client), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
func (s *Server) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("RiskPipe API running", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down RiskPipe API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
