package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	jwt "github.com/AlvaroZev/rimont-inbox/auth"
	"github.com/AlvaroZev/rimont-inbox/bus"
	"github.com/AlvaroZev/rimont-inbox/config"
	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/AlvaroZev/rimont-inbox/dbtypes"
	"github.com/AlvaroZev/rimont-inbox/deadletter"
	"github.com/AlvaroZev/rimont-inbox/inbound"
	"github.com/AlvaroZev/rimont-inbox/ingest"
	nestdb "github.com/AlvaroZev/rimont-inbox/sql"
	"github.com/AlvaroZev/rimont-inbox/storage"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// maxWebhookBody bounds a webhook body; gateway payloads embed media as base64.
const maxWebhookBody = 96 << 20

// Processor persists normalized events.
type Processor interface {
	Process(ctx context.Context, provider dbtypes.Provider, events []inbound.Event, raw []byte) ingest.Result
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type WebhookOptions struct {
	VerifyToken   string
	GatewaySecret []byte
	Log           *logrus.Entry
	Now           func() time.Time
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WebhookHandler serves the provider handshake (GET) and event deliveries (POST).
func WebhookHandler(pipeline Processor, opts WebhookOptions) func(http.ResponseWriter, *http.Request) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := opts.Log.WithField("component", "webhook")

	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(logrus.Fields{"panic": rec, "stack": string(debug.Stack())}).Error("webhook handler panicked")
				writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: fmt.Sprint(rec)})
			}
		}()

		switch r.Method {
		case http.MethodGet:
			verifyHandshake(w, r, opts.VerifyToken, log)
		case http.MethodPost:
			handleDelivery(w, r, pipeline, opts, now, log)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "Only GET and POST methods are allowed"})
		}
	}
}

func verifyHandshake(w http.ResponseWriter, r *http.Request, verifyToken string, log *logrus.Entry) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || verifyToken == "" || q.Get("hub.verify_token") != verifyToken {
		log.Warn("webhook verification rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

func handleDelivery(w http.ResponseWriter, r *http.Request, pipeline Processor, opts WebhookOptions, now func() time.Time, log *logrus.Entry) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.WithError(err).Error("could not read webhook body")
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: err.Error()})
		return
	}

	provider, ok := detectProvider(r.URL.Query().Get("source"), body)
	if !ok {
		log.WithField("source", r.URL.Query().Get("source")).Info("unrecognized webhook payload ignored")
		writeJSON(w, http.StatusOK, webhookResponse{Success: true})
		return
	}
	log = log.WithField("provider", provider)

	var events []inbound.Event
	switch provider {
	case dbtypes.ProviderGateway:
		env, err := inbound.DecodeGateway(body)
		if err != nil {
			log.WithError(err).Error("undecodable payload")
			writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: err.Error()})
			return
		}
		if len(opts.GatewaySecret) > 0 {
			instance, err := jwt.VerifyToken(r.URL.Query().Get("token"), opts.GatewaySecret)
			if err != nil || instance != env.Instance {
				log.WithField("instance", env.Instance).Warn("gateway webhook token rejected")
				writeJSON(w, http.StatusUnauthorized, webhookResponse{Error: "invalid token"})
				return
			}
		}
		events = env.Events(now())
	case dbtypes.ProviderCloud:
		env, err := inbound.DecodeCloud(body)
		if err != nil {
			log.WithError(err).Error("undecodable payload")
			writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: err.Error()})
			return
		}
		events = env.Events(now())
	}

	// the provider may hang up; processing still runs to completion
	ctx := context.WithoutCancel(r.Context())
	result := pipeline.Process(ctx, provider, events, body)
	log.WithField("result", result).Debug("webhook processed")
	writeJSON(w, http.StatusOK, webhookResponse{Success: true})
}

// detectProvider prefers the explicit source parameter, then the body shape.
func detectProvider(source string, body []byte) (dbtypes.Provider, bool) {
	switch source {
	case "evolution", "gateway":
		return dbtypes.ProviderGateway, true
	case "cloud", "meta":
		return dbtypes.ProviderCloud, true
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		// let the cloud decoder report the syntax error
		return dbtypes.ProviderCloud, len(bytes.TrimSpace(body)) > 0
	}
	if _, ok := shape["entry"]; ok {
		return dbtypes.ProviderCloud, true
	}
	if _, ok := shape["event"]; ok {
		if _, ok := shape["instance"]; ok {
			return dbtypes.ProviderGateway, true
		}
	}
	return "", false
}

func HealthHandler(db Pinger) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func NewRouter(pipeline Processor, db Pinger, opts WebhookOptions) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/webhook", WebhookHandler(pipeline, opts))
	router.HandleFunc("/healthz", HealthHandler(db)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

func main() {
	cfg, err := config.NewLoadedConfig()
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	log := logrus.NewEntry(logger)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("inbox stopped")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	if cfg.DatabaseURL == "" {
		return errors.New("RIMONT_DATABASE_URL is not set")
	}
	db, err := nestdb.InitDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := nestdb.CreateTables(db); err != nil {
		return err
	}
	store := nestdb.NewStore(db)

	deadLetters, err := deadletter.Open(cfg.DeadLetterPath)
	if err != nil {
		return err
	}
	defer deadLetters.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := bus.New(ctx, bus.Options{
		Driver:       cfg.BusDriver,
		AMQPURL:      cfg.AMQPURL,
		AMQPExchange: cfg.AMQPExchange,
		RedisURL:     cfg.RedisURL,
	}, log.WithField("component", "bus"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	upstream := &http.Client{Timeout: cfg.UpstreamTimeout}
	deps := ingest.Deps{
		Store: store,
		Attachments: storage.New(storage.Config{
			BaseURL:     cfg.StorageURL,
			ServiceKey:  cfg.StorageKey,
			MediaBucket: cfg.StorageMediaBucket,
			AudioBucket: cfg.StorageAudioBucket,
			Timeout:     cfg.UpstreamTimeout,
		}, upstream),
		Bus:         publisher,
		DeadLetters: deadLetters,
		PhotoTTL:    cfg.PhotoTTL,
		Log:         log,
	}
	if cfg.CloudAccessToken != "" {
		deps.Cloud = whats.NewCloudClient(cfg.CloudGraphURL, cfg.CloudProfilePhotoURL, cfg.CloudAccessToken, upstream)
	}
	if cfg.GatewayURL != "" {
		deps.Gateway = whats.NewGatewayClient(cfg.GatewayURL, cfg.GatewayAPIKey, upstream)
	}

	router := NewRouter(ingest.New(deps), store, WebhookOptions{
		VerifyToken:   cfg.VerifyToken,
		GatewaySecret: []byte(cfg.GatewayWebhookSecret),
		Log:           log,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("inbox webhook listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Wrap(server.Shutdown(shutdownCtx), "shutdown")
}
