package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heimdex/vidseg/internal/apperr"
)

const maxJSONBodyBytes = 1 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware())
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, apperr.KindNotFound, "Not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, apperr.KindBadRequest, "Method not allowed", "")
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler())
		r.Get("/status", statusHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))

		r.Route("/storage", func(r chi.Router) {
			r.Get("/status", storageStatusHandler(cfg))
			r.Get("/videos", listStoredVideosHandler(cfg))
			r.Post("/videos/delete", deleteStoredVideosHandler(cfg))
			r.Post("/videos/{video_id}/load", loadStoredVideoHandler(cfg))
			r.Patch("/videos/{video_id}", renameStoredVideoHandler(cfg))
			r.Get("/videos/{video_id}/file", storedVideoFileHandler(cfg))
		})

		r.Post("/videos/upload", uploadVideoHandler(cfg))

		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Delete("/", deleteSessionHandler(cfg))
			r.Get("/frames/{frame_index}.jpg", frameHandler(cfg))
			r.Post("/prompt/text", textPromptHandler(cfg))
			r.Post("/prompt/clicks", clickPromptHandler(cfg))
			r.Post("/objects", createObjectHandler(cfg))
			r.Post("/objects/{obj_id}/remove", removeObjectHandler(cfg))
			r.Post("/reset", resetSessionHandler(cfg))
			r.Post("/exports", exportHandler(cfg))
			r.Get("/propagate", propagateHandler(cfg))
		})
	})

	return r
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if info, ok := cfg.Segment.ActiveSession(); ok {
			s := SessionToResponse(info)
			resp.Session = &s
		}
		if cfg.Doctor != nil {
			h := cfg.Doctor.Health(r.Context())
			resp.Health = &h
			resp.Ready = h.Ready()
			if !resp.Ready {
				resp.Status = "degraded"
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "limit must be a non-negative integer", "")
				return
			}
			limit = n
		}

		records, err := cfg.Library.ListExports(r.Context(), limit)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		resp := ExportsResponse{Exports: make([]ExportRecordResponse, len(records))}
		for i, e := range records {
			resp.Exports[i] = ExportToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// decodeJSON reads a JSON body on top of dst. Malformed payloads are
// answered with 422 and false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "Invalid request payload", err.Error())
		return false
	}
	return true
}

// intParam parses an integer URL parameter, answering 422 when it is not
// one.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "Invalid request payload", name+" must be an integer")
		return 0, false
	}
	return v, true
}
