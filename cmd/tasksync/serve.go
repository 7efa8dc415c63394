package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/feed"
	"github.com/tasksync/tasksync/internal/remote"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run a central store for development",
	Long: `Serve the central project store over HTTP and broadcast every write on a
WebSocket change feed.

Projects live in memory unless --postgres-dsn (or server.postgres_dsn) is
set. With server.jwt_secret configured, every request needs a bearer token;
issue one with 'tasksync token'.

Endpoints:
  GET  /health
  GET  /v1/projects
  GET  /v1/projects/{id}
  GET  /v1/projects/{id}/head
  PUT  /v1/projects/{id}        If-Match: <version>
  GET  /ws                      change feed

Example usage:
  tasksync serve
  tasksync serve --addr :7420 --postgres-dsn postgres://localhost/tasksync`,
	Run: func(cmd *cobra.Command, args []string) {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if dsn, _ := cmd.Flags().GetString("postgres-dsn"); dsn != "" {
			cfg.Server.PostgresDSN = dsn
		}

		var store remote.Store = remote.NewMemoryStore()
		backend := "memory"
		if cfg.Server.PostgresDSN != "" {
			pg, err := remote.NewPostgresStore(cfg.Server.PostgresDSN)
			if err != nil {
				fatalf("%v", err)
			}
			defer pg.Close()
			store, backend = pg, "postgres"
		}

		feedCfg := feed.DefaultConfig()
		feedCfg.Logger = newLogger("[feed]")
		feedSrv := feed.NewServer(feedCfg)

		r := chi.NewRouter()
		r.Handle("/ws", remote.RequireAuth(cfg.Server.JWTSecret, feedSrv.Handler()))
		r.Mount("/", remote.NewHandler(store, remote.HandlerConfig{
			JWTSecret: cfg.Server.JWTSecret,
			OnChange:  feedSrv.PublishProject,
			Logger:    newLogger("[remote]"),
		}))

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			errc <- srv.ListenAndServe()
		}()

		fmt.Printf("Central store (%s) listening on http://%s\n", backend, cfg.Server.Addr)
		fmt.Printf("Change feed: ws://%s/ws\n", cfg.Server.Addr)
		if cfg.Server.JWTSecret == "" {
			fmt.Println("Authentication disabled (server.jwt_secret not set)")
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		select {
		case <-ctx.Done():
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				fatalf("server failed: %v", err)
			}
		}

		fmt.Println("\nShutting down...")
		if err := feedSrv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping feed: %v\n", err)
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Println("Server stopped")
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <subject>",
	GroupID: "advanced",
	Short:   "Issue a bearer token for the central store",
	Long: `Sign an HS256 token with server.jwt_secret. Set it as remote.token (or
TASKSYNC_REMOTE_TOKEN) on each client. Clients report an expired session once
it runs out.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ttl := cfg.Server.TokenTTL
		if cmd.Flags().Changed("ttl") {
			ttl, _ = cmd.Flags().GetDuration("ttl")
		}
		token, err := remote.IssueToken(cfg.Server.JWTSecret, args[0], ttl)
		if err != nil {
			fatalf("failed to issue token: %v", err)
		}
		if jsonOutput() {
			printJSON(map[string]any{
				"subject":    args[0],
				"token":      token,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
			return
		}
		fmt.Println(token)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().String("postgres-dsn", "", "keep projects in Postgres instead of memory")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime (default: server.token_ttl)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
