package remote

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tasksync/tasksync/internal/schema"
)

// Change event types reported to HandlerConfig.OnChange.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// HandlerConfig holds configuration for the HTTP handler.
type HandlerConfig struct {
	// JWTSecret enables HS256 bearer authentication when set.
	JWTSecret string

	// OnChange is called after every successful write.
	OnChange func(eventType string, p schema.Project)

	// Logger for request failures
	Logger *log.Logger
}

// maxProjectBytes bounds PUT bodies.
const maxProjectBytes = 8 << 20

type handler struct {
	store  Store
	config HandlerConfig
}

// NewHandler exposes store over HTTP:
//
//	GET  /health
//	GET  /v1/projects                 heads of all projects
//	GET  /v1/projects/{id}            full project
//	GET  /v1/projects/{id}/head       version metadata
//	PUT  /v1/projects/{id}            compare-and-set write, If-Match: <version>
func NewHandler(store Store, config HandlerConfig) http.Handler {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	h := &handler{store: store, config: config}

	r := chi.NewRouter()
	r.Use(authMiddleware(config.JWTSecret))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/projects", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/head", h.head)
		r.Put("/{id}", h.put)
	})
	return r
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	heads, err := h.store.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if heads == nil {
		heads = []Head{}
	}
	writeJSON(w, http.StatusOK, heads)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) head(w http.ResponseWriter, r *http.Request) {
	head, err := h.store.Head(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ifMatch := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "missing If-Match header")
		return
	}
	expected, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a version number")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProjectBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}
	var p schema.Project
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid project json")
		return
	}
	if p.ID != id {
		writeError(w, http.StatusBadRequest, "bad_request", "project id does not match path")
		return
	}

	stored, err := h.store.Put(r.Context(), p, expected)
	if err != nil {
		h.fail(w, err)
		return
	}

	if h.config.OnChange != nil {
		event := EventUpdate
		switch {
		case expected == 0:
			event = EventInsert
		case stored.IsDeleted():
			event = EventDelete
		}
		h.config.OnChange(event, stored)
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	var conflict *ConflictError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":     "conflict",
			"message":  conflict.Error(),
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	case strings.HasPrefix(err.Error(), "invalid"):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.config.Logger.Printf("Error serving request: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
