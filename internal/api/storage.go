package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/playback"
)

func storageStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cfg.Library.StorageStatus(cfg.StorageRoot)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, StorageStatusResponse{
			StorageRoot:  st.StorageRoot,
			TotalBytes:   st.TotalBytes,
			UsedBytes:    st.UsedBytes,
			FreeBytes:    st.FreeBytes,
			UploadsBytes: st.UploadsBytes,
			UploadsCount: st.UploadsCount,
		})
	}
}

func listStoredVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videos, err := cfg.Library.List(r.Context())
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		resp := StoredVideoListResponse{Videos: make([]StoredVideoResponse, len(videos))}
		for i, v := range videos {
			resp.Videos[i] = VideoToResponse(v)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func loadStoredVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fps, ok := fpsParam(w, r)
		if !ok {
			return
		}
		videoID := chi.URLParam(r, "video_id")
		path, err := cfg.Library.ResolvePath(r.Context(), videoID)
		if err != nil {
			writeLibraryError(w, r, cfg, err)
			return
		}
		info, err := cfg.Segment.StartFromVideo(r.Context(), path, videoID, fps)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(info))
	}
}

func renameStoredVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RenameStoredVideoRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		v, err := cfg.Library.Rename(r.Context(), chi.URLParam(r, "video_id"), req.DisplayName)
		if err != nil {
			writeLibraryError(w, r, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, VideoToResponse(v))
	}
}

func deleteStoredVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeleteStoredVideosRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ids := make([]string, 0, len(req.VideoIDs))
		for _, id := range req.VideoIDs {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			WriteJSON(w, http.StatusOK, DeleteStoredVideosResponse{OK: true})
			return
		}

		if cfg.Segment.CloseActiveIfVideo(r.Context(), ids) {
			cfg.Logger.Info("closed active session for deleted video", "request_id", RequestID(r))
		}
		deleted, err := cfg.Library.Delete(r.Context(), ids)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, DeleteStoredVideosResponse{OK: true, Deleted: deleted})
	}
}

func storedVideoFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := cfg.Library.ResolvePath(r.Context(), chi.URLParam(r, "video_id"))
		if err != nil {
			writeLibraryError(w, r, cfg, err)
			return
		}
		if err := cfg.Playback.ServeFile(w, r, path); err != nil {
			if errors.Is(err, playback.ErrFileNotFound) {
				WriteError(w, r, http.StatusNotFound, apperr.KindNotFound, "Stored video not found", "")
				return
			}
			cfg.Logger.Error("playback error", "error", err, "request_id", RequestID(r))
			WriteAppError(w, r, cfg.Logger, err)
		}
	}
}

func writeLibraryError(w http.ResponseWriter, r *http.Request, cfg ServerConfig, err error) {
	switch {
	case errors.Is(err, library.ErrVideoNotFound):
		WriteError(w, r, http.StatusNotFound, apperr.KindNotFound, "Stored video not found", "")
	case errors.Is(err, library.ErrInvalidName):
		WriteError(w, r, http.StatusBadRequest, apperr.KindBadRequest, "Display name cannot be empty", "")
	default:
		WriteAppError(w, r, cfg.Logger, err)
	}
}
