// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"chatrelay/internal/chatmodel"
	"chatrelay/internal/config"
	"chatrelay/internal/heartbeat"
	"chatrelay/internal/llmclient"
	"chatrelay/internal/media"
	"chatrelay/internal/processor"
	"chatrelay/internal/registry"
	"chatrelay/internal/session"
	"chatrelay/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	db, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Critical error! Failed to connect to the database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Fatalf("Critical error during database migration: %v", err)
	}

	mediaPort, err := newMediaPort(cfg)
	if err != nil {
		log.Fatalf("Critical error! Failed to create media backend: %v", err)
	}

	llmPort := llmclient.NewHTTPClient(llmclient.Config{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.OpenAIModel,
		APIBase:     cfg.OpenAIAPIBase,
		MaxTokens:   cfg.OpenAIMaxTokens,
		Temperature: cfg.OpenAITemperature,
		Timeout:     cfg.HTTPClientTimeout,
	})

	reg := registry.New(cfg.MaxSending, cfg.MaxProcessing)
	hb := heartbeat.New(reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	proc := processor.New(db, mediaPort, llmPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := setupRouter(ctx, cfg, db, reg, hb, proc)
	srv := &http.Server{Addr: cfg.ServerAddr(), Handler: router}

	go func() {
		log.Printf("Server is ready for connections and listening on %s", cfg.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutdown signal received. Starting graceful shutdown...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	hb.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Error during graceful server shutdown: %v", err)
	}

	log.Println("Exiting.")
}

// newMediaPort builds an S3-backed Media Port when S3 is fully
// configured, falling back to local disk under cfg.MediaRoot — the
// same "null service" fallback the teacher's S3 client uses.
func newMediaPort(cfg *config.AppConfig) (media.Port, error) {
	s3Cfg := media.S3Config{
		Endpoint: cfg.S3.Endpoint,
		Region:   cfg.S3.Region,
		KeyID:    cfg.S3.KeyID,
		AppKey:   cfg.S3.AppKey,
		Bucket:   cfg.S3.Bucket,
	}
	if s3Cfg.Configured() {
		return media.NewS3Backend(s3Cfg)
	}
	return media.NewLocalDisk(cfg.MediaRoot)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
}

func setupRouter(ctx context.Context, cfg *config.AppConfig, db store.Port, reg *registry.Registry, hb *heartbeat.Scanner, proc *processor.Processor) *chi.Mux {
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
				return true
			}
		}
		log.Printf("WebSocket connection from disallowed origin rejected: %s", origin)
		return false
	}

	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Origin"},
		MaxAge:         cfg.CORSMaxAge,
	}).Handler)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer, coopMiddleware)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}
		s := session.New(conn, reg, hb, proc, db)
		go s.Run(ctx)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := reg.Stats()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":              "ok",
			"active_connections":  stats.ActiveConnections,
			"currently_sending":   stats.CurrentlySending,
			"messages_processing": stats.MessagesProcessing,
			"max_sending":         stats.MaxSending,
			"max_processing":      stats.MaxProcessing,
		})
	})

	r.Get("/chat-history/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, "clientID")
		limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
		offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

		entries, total, err := db.History(r.Context(), clientID, limit, offset)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
			return
		}

		if limit < 1 {
			limit = 1
		}
		if limit > 100 {
			limit = 100
		}
		hasMore := offset+len(entries) < total

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"data":   toHistoryDTO(entries),
			"pagination": map[string]interface{}{
				"total":    total,
				"offset":   offset,
				"limit":    limit,
				"has_more": hasMore,
			},
		})
	})

	r.Route("/media", func(r chi.Router) {
		r.Use(cachingMiddleware)
		r.Handle("/*", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaRoot))))
	})

	return r
}

// coopMiddleware isolates the server's browsing context from embedders,
// unrelated to the chat protocol but harmless ambient hardening carried
// over from the HTTP stack this server is built on.
func coopMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin-allow-popups")
		w.Header().Set("Cross-Origin-Embedder-Policy", "unsafe-none")
		next.ServeHTTP(w, r)
	})
}

// cachingMiddleware sets a long Cache-Control on served media: replies
// rewritten into static files (saved uploads, canned voice/image
// replies) don't change once written.
func cachingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		next.ServeHTTP(w, r)
	})
}

type historyDTO struct {
	ID              int64                      `json:"id"`
	ClientID        string                     `json:"client_id"`
	MessageType     string                     `json:"message_type"`
	Content         string                     `json:"content"`
	ClientTimestamp string                     `json:"client_timestamp"`
	IsAccepted      bool                       `json:"is_accepted"`
	StatusMessage   string                     `json:"status_message"`
	Replies         []chatmodel.ReplyFrameData `json:"replies"`
}

func toHistoryDTO(entries []chatmodel.HistoryEntry) []historyDTO {
	out := make([]historyDTO, 0, len(entries))
	for _, e := range entries {
		replies := make([]chatmodel.ReplyFrameData, 0, len(e.Replies))
		for _, rep := range e.Replies {
			replies = append(replies, chatmodel.ReplyFrameData{ID: rep.ID, Content: rep.Content, ReplyType: rep.ReplyType})
		}
		out = append(out, historyDTO{
			ID:              e.ID,
			ClientID:        e.ClientID,
			MessageType:     e.MessageType,
			Content:         e.Content,
			ClientTimestamp: e.ClientTimestamp.Format("2006-01-02T15:04:05Z07:00"),
			IsAccepted:      e.IsAccepted,
			StatusMessage:   e.StatusMessage,
			Replies:         replies,
		})
	}
	return out
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
