// Package api exposes the segmentation backend over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/playback"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/segment"
)

// DefaultMaxUploadBytes caps a single video upload.
const DefaultMaxUploadBytes = 2 << 30

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Host           string
	Port           int
	Segment        *segment.Service
	Library        *library.Service
	Playback       playback.PlaybackService
	Doctor         *predictor.Doctor
	AllowedOrigins []string
	// StorageRoot is the directory whose disk usage the storage status
	// endpoint reports.
	StorageRoot    string
	MaxUploadBytes int64
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 15 * time.Second,
			// Uploads, exports and propagation sockets outlive any fixed
			// write deadline.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Start binds the listen address and serves until Shutdown. Bind errors
// such as a port already in use are returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. The bound address replaces the
// configured one, so port 0 can be used.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer.Addr = ln.Addr().String()
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
