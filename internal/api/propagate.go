package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/metrics"
	"github.com/heimdex/vidseg/internal/predictor"
)

const (
	wsReadLimit    = 64 * 1024
	wsStartTimeout = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var errClientGone = errors.New("propagation client gone")

// propagateHandler upgrades to a WebSocket, waits for a start message and
// streams one propagation_frame per processed frame followed by
// propagation_done. Failures are reported as a single error message before
// the socket closes.
func propagateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns(cfg.AllowedOrigins),
		})
		if err != nil {
			cfg.Logger.Warn("websocket accept failed", "error", err, "request_id", RequestID(r))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(wsReadLimit)

		metrics.WSConnections.Inc()
		defer metrics.WSConnections.Dec()

		sessionID := chi.URLParam(r, "session_id")
		requestID := RequestID(r)
		logger := logging.WithRequestID(logging.WithSessionID(cfg.Logger, sessionID), requestID)

		err = runPropagation(r.Context(), conn, cfg, sessionID)
		switch {
		case err == nil:
			conn.Close(websocket.StatusNormalClosure, "")
		case websocket.CloseStatus(err) != -1, errors.Is(err, errClientGone), errors.Is(err, context.Canceled):
			logger.Debug("propagation client disconnected", "error", err)
		default:
			kind := apperr.KindOf(err)
			details := apperr.DetailOf(err)
			if kind == apperr.KindInternal {
				logger.Error("propagation failed", "error", err)
				details = ""
			}
			metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
			msg := PropagationErrorMessage{Type: "error", ErrorDetail: ErrorDetail{
				Code:      string(kind),
				Message:   apperr.MessageOf(err),
				Details:   details,
				RequestID: requestID,
			}}
			if werr := writeWS(r.Context(), conn, msg); werr != nil {
				logger.Debug("write propagation error", "error", werr)
				return
			}
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

func runPropagation(ctx context.Context, conn *websocket.Conn, cfg ServerConfig, sessionID string) error {
	if _, err := cfg.Segment.Session(sessionID); err != nil {
		return err
	}

	var start PropagationStartMessage
	readCtx, cancel := context.WithTimeout(ctx, wsStartTimeout)
	err := wsjson.Read(readCtx, conn, &start)
	cancel()
	if err != nil {
		if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
			return err
		}
		return apperr.Wrap(apperr.KindBadRequest, err, "Invalid websocket payload")
	}
	if start.Action != "start" {
		return apperr.New(apperr.KindBadRequest, "Invalid websocket payload: action must be \"start\", got %q", start.Action)
	}
	dir, err := predictor.ParseDirection(start.Direction, cfg.Segment.DefaultDirection())
	if err != nil {
		return err
	}

	generation, err := cfg.Segment.StartPropagation(sessionID, start.StartFrameIndex)
	if err != nil {
		return err
	}

	// Nothing more is read; CloseRead handles control frames and cancels
	// ctx once the client goes away.
	ctx = conn.CloseRead(ctx)

	for frame, err := range cfg.Segment.StreamPropagation(ctx, sessionID, dir, start.StartFrameIndex, generation) {
		if err != nil {
			return err
		}
		msg := PropagationFrameMessage{Type: "propagation_frame", FrameIndex: frame.FrameIndex, Objects: frame.Objects}
		if err := writeWS(ctx, conn, msg); err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errClientGone, ctx.Err())
	}
	if err := writeWS(ctx, conn, PropagationDoneMessage{Type: "propagation_done"}); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	return nil
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}
