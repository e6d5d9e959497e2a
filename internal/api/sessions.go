package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/export"
	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/playback"
	"github.com/heimdex/vidseg/internal/video"
)

func uploadVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		fps, ok := fpsParam(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "Invalid request payload", err.Error())
			return
		}
		var part io.Reader
		filename := ""
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "Invalid request payload", err.Error())
				return
			}
			if p.FormName() == "file" {
				part, filename = p, p.FileName()
				break
			}
		}
		if part == nil {
			WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "Invalid request payload", "file field is required")
			return
		}

		if filename == "" {
			filename = "upload.mp4"
		}
		ext := strings.ToLower(filepath.Ext(filename))
		if ext == "" {
			ext = ".mp4"
		}
		if !video.AllowedExtensions[ext] {
			allowed := make([]string, 0, len(video.AllowedExtensions))
			for e := range video.AllowedExtensions {
				allowed = append(allowed, e)
			}
			slices.Sort(allowed)
			WriteError(w, r, http.StatusBadRequest, apperr.KindBadRequest,
				fmt.Sprintf("Unsupported extension '%s'. Allowed: %s", ext, strings.Join(allowed, ", ")), "")
			return
		}

		videoID := library.NewID()
		uploadPath := cfg.Library.UploadPath(videoID, ext)
		if err := saveUpload(part, uploadPath); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, r, http.StatusRequestEntityTooLarge, apperr.KindBadRequest,
					fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit), "")
				return
			}
			WriteAppError(w, r, cfg.Logger, apperr.Wrap(apperr.KindVideoProcessingFailed, err, "Failed to store upload"))
			return
		}

		info, err := cfg.Segment.StartFromVideo(ctx, uploadPath, videoID, fps)
		if err != nil {
			os.Remove(uploadPath)
			WriteAppError(w, r, cfg.Logger, err)
			return
		}

		displayName := library.DisplayNameFromFile(filename, videoID)
		if _, err := cfg.Library.Register(ctx, videoID, filepath.Base(uploadPath), displayName); err != nil {
			cfg.Segment.CloseActive(ctx)
			os.Remove(uploadPath)
			WriteAppError(w, r, cfg.Logger, apperr.Wrap(apperr.KindVideoProcessingFailed, err, "Failed to process video"))
			return
		}

		WriteJSON(w, http.StatusOK, SessionToResponse(info))
	}
}

func saveUpload(src io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	_, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// fpsParam reads the optional ?fps= processing rate. Absent means the
// server picks the rate.
func fpsParam(w http.ResponseWriter, r *http.Request) (float64, bool) {
	v := r.URL.Query().Get("fps")
	if v == "" {
		return 0, true
	}
	fps, err := strconv.ParseFloat(v, 64)
	if err != nil || fps < 0 {
		WriteError(w, r, http.StatusUnprocessableEntity, apperr.KindBadRequest, "Invalid request payload", "fps must be a non-negative number")
		return 0, false
	}
	return fps, true
}

func frameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame, ok := intParam(w, r, "frame_index")
		if !ok {
			return
		}
		p, err := cfg.Segment.FramePath(chi.URLParam(r, "session_id"), frame)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=3600")
		if err := cfg.Playback.ServeFile(w, r, p); err != nil {
			if errors.Is(err, playback.ErrFileNotFound) {
				WriteError(w, r, http.StatusNotFound, apperr.KindNotFound, "Frame image not found on disk", "")
				return
			}
			WriteAppError(w, r, cfg.Logger, err)
		}
	}
}

func textPromptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := TextPromptRequest{ResetFirst: true}
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := cfg.Segment.AddTextPrompt(r.Context(), chi.URLParam(r, "session_id"), req.FrameIndex, req.Text, req.ResetFirst)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, PromptResponse{FrameIndex: out.FrameIndex, Objects: out.Objects})
	}
}

func clickPromptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClickPromptRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := cfg.Segment.AddClickPrompt(r.Context(), chi.URLParam(r, "session_id"), req.FrameIndex, req.ObjID, req.Points)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, PromptResponse{FrameIndex: out.FrameIndex, Objects: out.Objects})
	}
}

func createObjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := cfg.Segment.CreateObject(chi.URLParam(r, "session_id"))
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, CreateObjectResponse{ObjID: id})
	}
}

func removeObjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objID, ok := intParam(w, r, "obj_id")
		if !ok {
			return
		}
		if err := cfg.Segment.RemoveObject(r.Context(), chi.URLParam(r, "session_id"), objID); err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, OperationResponse{OK: true})
	}
}

func resetSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Segment.ResetSession(r.Context(), chi.URLParam(r, "session_id")); err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, OperationResponse{OK: true})
	}
}

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := export.DefaultRequest()
		if !decodeJSON(w, r, &req) {
			return
		}
		archive, err := cfg.Segment.Export(r.Context(), chi.URLParam(r, "session_id"), req)
		if err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "application/zip")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": archive.FileName}))
		h.Set("Content-Length", strconv.Itoa(len(archive.Archive)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(archive.Archive); err != nil {
			cfg.Logger.Debug("export download interrupted", "error", err, "request_id", RequestID(r))
		}
	}
}

func deleteSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Segment.DeleteSession(r.Context(), chi.URLParam(r, "session_id")); err != nil {
			WriteAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, OperationResponse{OK: true})
	}
}
