package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kenken64/JumpJumpJump/backend/config"
	"github.com/kenken64/JumpJumpJump/backend/database"
	"github.com/kenken64/JumpJumpJump/backend/ratelimit"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	config.Load()

	redisClient, err := database.InitRedis(
		config.AppConfig.RedisAddr,
		config.AppConfig.RedisPassword,
		config.AppConfig.RedisDB,
	)
	if err != nil {
		log.Printf("⚠️ Redis unavailable, rate limiter falling back to memory store: %v", err)
		redisClient = nil
	}

	limiter, err := ratelimit.New(redisClient, config.AppConfig.RateLimitAPI, config.AppConfig.RateLimitWS)
	if err != nil {
		log.Fatalf("Failed to build rate limiter: %v", err)
	}

	hub := newHub()

	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Extensions")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Handle("/ws/room/{room_id}", limiter.WSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("🔌 websocket attempt from %s for room %s", r.RemoteAddr, mux.Vars(r)["room_id"])
		serveWs(hub, w, r)
	}))).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(limiter.APIMiddleware)
	api.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.ListAvailable())
	}).Methods("GET")
	api.HandleFunc("/rooms/all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.ListAll())
	}).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status": "ok",
			"rooms":  len(hub.ListAll()),
		})
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	port := config.AppConfig.Port
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Println("╔═══════════════════════════════════════════════╗")
		log.Println("║      🚀 JUMPJUMPJUMP ROOM SERVER STARTED      ║")
		log.Println("╚═══════════════════════════════════════════════╝")
		log.Printf("  Game WebSocket: ws://localhost:%s/ws/room/{room_id}", port)
		log.Printf("  Lobby API:      http://localhost:%s/api/rooms", port)
		log.Printf("  Health Check:   http://localhost:%s/health", port)
		log.Printf("  Metrics:        http://localhost:%s/metrics", port)
		log.Println("═══════════════════════════════════════════════")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	log.Println("Server exiting")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ writeJSON: %v", err)
	}
}
