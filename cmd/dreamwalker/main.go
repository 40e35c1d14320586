// Command dreamwalker runs the MCP orchestration server: it wires the
// state store, stream bus, webhook dispatcher, tool registry, provider
// cache, supervisor, and tool surface into one process and serves the
// tool-surface verbs plus the per-workflow SSE stream over HTTP.
//
// Configuration is read from the environment, following the teacher's
// registry/cmd/registry composition root (env-var loading with typed
// defaults, a dedicated run() returning error, Redis connect-and-ping
// before anything depends on it).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/provider"
	"github.com/lukeslp/dreamwalker/sse"
	"github.com/lukeslp/dreamwalker/statestore"
	"github.com/lukeslp/dreamwalker/statestore/redisbackend"
	"github.com/lukeslp/dreamwalker/streambus"
	"github.com/lukeslp/dreamwalker/supervisor"
	"github.com/lukeslp/dreamwalker/telemetry"
	"github.com/lukeslp/dreamwalker/toolregistry"
	"github.com/lukeslp/dreamwalker/toolsurface"
	"github.com/lukeslp/dreamwalker/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := envOr("DREAMWALKER_ADDR", ":8090")
	redisURL := os.Getenv("REDIS_URL")
	maxActive := envIntOr("DREAMWALKER_MAX_ACTIVE_WORKFLOWS", statestore.DefaultMaxActive)
	completedRetention := envIntOr("DREAMWALKER_COMPLETED_RETENTION", statestore.DefaultCompletedRetention)
	retentionWindow := envDurationOr("DREAMWALKER_RETENTION_WINDOW", statestore.DefaultRetentionWindow)
	retryInterval := envDurationOr("DREAMWALKER_WEBHOOK_RETRY_INTERVAL", 5*time.Second)

	logger := telemetry.NewSlogLogger(slog.Default())

	var backend statestore.Backend
	if redisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: os.Getenv("REDIS_PASSWORD")})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		backend = redisbackend.New(rdb)
		defer rdb.Close()
		logger.Info(ctx, "durable backend enabled", "redis_url", redisURL)
	} else {
		logger.Info(ctx, "no REDIS_URL set, running with in-memory state store only")
	}

	store := statestore.New(
		statestore.WithConfig(statestore.Config{MaxActive: maxActive, CompletedRetention: completedRetention, RetentionWindow: retentionWindow}),
		statestore.WithBackend(backend),
		statestore.WithLogger(logger),
	)
	if err := store.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate state store: %w", err)
	}

	bus := streambus.New(streambus.WithLogger(logger))
	webhooks := webhook.New(webhook.WithLogger(logger))
	registry := toolregistry.New(toolregistry.WithLogger(logger))

	providers := provider.NewCache(unconfiguredProviderFactory, provider.WithBreakerThreshold(5, 30*time.Second))

	sup := supervisor.New(store, bus, webhooks, supervisor.WithLogger(logger))
	surface := toolsurface.New(sup, registry, bus, providers)
	streamHandler := sse.New(bus)

	go func() {
		ticker := time.NewTicker(retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				webhooks.ProcessRetries(ctx)
			}
		}
	}()

	mux := newMux(surface, streamHandler)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "dreamwalker listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "supervisor shutdown did not complete cleanly", "error", err.Error())
	}
	return server.Shutdown(shutdownCtx)
}

// unconfiguredProviderFactory is the seam where a real provider SDK client
// (Anthropic, OpenAI, Bedrock, ...) gets registered. Concrete clients are
// external collaborators per the design; wiring one in is a deployment-time
// decision, not a core-repo one.
func unconfiguredProviderFactory(model string) (provider.Client, error) {
	return nil, &provider.Error{
		Provider: "unconfigured", Kind: provider.ErrorKindUnavailable,
		Message: fmt.Sprintf("no provider client registered for model %q; wire one in cmd/dreamwalker/main.go", model),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(resp toolsurface.Response) int {
	if resp.OK {
		return http.StatusOK
	}
	switch resp.Kind {
	case "unknown_workflow", "unknown_tool":
		return http.StatusNotFound
	case "invalid_arguments", "tool_disabled":
		return http.StatusBadRequest
	case "too_many_active":
		return http.StatusTooManyRequests
	case "shutdown":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newMux(surface *toolsurface.Surface, stream *sse.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/workflows/hierarchical", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Task    string                         `json:"task"`
			Config  *toolsurface.HierarchicalConfig `json:"config"`
			Webhook *toolsurface.WebhookRequest     `json:"webhook"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, toolsurface.Response{OK: false, Kind: "invalid_arguments", Message: err.Error()})
			return
		}
		resp := surface.StartHierarchical(r.Context(), body.Task, body.Config, body.Webhook)
		writeJSON(w, statusFor(resp), resp)
	})

	mux.HandleFunc("POST /v1/workflows/swarm", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query   string                      `json:"query"`
			Config  *toolsurface.SwarmConfig    `json:"config"`
			Webhook *toolsurface.WebhookRequest `json:"webhook"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, toolsurface.Response{OK: false, Kind: "invalid_arguments", Message: err.Error()})
			return
		}
		resp := surface.StartSwarm(r.Context(), body.Query, body.Config, body.Webhook)
		writeJSON(w, statusFor(resp), resp)
	})

	mux.HandleFunc("GET /v1/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		resp := surface.Status(r.PathValue("id"))
		writeJSON(w, statusFor(resp), resp)
	})

	mux.HandleFunc("GET /v1/workflows/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		resp := surface.Result(r.PathValue("id"))
		writeJSON(w, statusFor(resp), resp)
	})

	mux.HandleFunc("POST /v1/workflows/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		resp := surface.Cancel(r.Context(), r.PathValue("id"))
		writeJSON(w, statusFor(resp), resp)
	})

	mux.HandleFunc("GET /v1/workflows/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		stream.ServeWorkflow(w, r, ident.WorkflowID(r.PathValue("id")))
	})

	mux.HandleFunc("GET /v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, surface.ListPatterns())
	})

	mux.HandleFunc("GET /v1/tools", func(w http.ResponseWriter, r *http.Request) {
		var filter toolregistry.Filter
		filter.Category = r.URL.Query().Get("category")
		filter.Tag = r.URL.Query().Get("tag")
		filter.Namespace = r.URL.Query().Get("namespace")
		writeJSON(w, http.StatusOK, surface.ListTools(filter))
	})

	mux.HandleFunc("POST /v1/tools/{namespace}/{name}/execute", func(w http.ResponseWriter, r *http.Request) {
		args, err := readRawBody(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, toolsurface.Response{OK: false, Kind: "invalid_arguments", Message: err.Error()})
			return
		}
		resp := surface.ExecuteTool(r.Context(), r.PathValue("name"), r.PathValue("namespace"), args)
		writeJSON(w, statusFor(resp), resp)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func readRawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return raw, nil
		}
		return nil, err
	}
	return raw, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
