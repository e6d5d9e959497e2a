// Package library keeps track of uploaded videos and the export history.
// Video files live in the uploads directory; their display names and
// timestamps live in SQLite.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/heimdex/vidseg/internal/video"
)

type Service struct {
	repo       Repository
	uploadsDir string
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(repo Repository, uploadsDir string, logger *slog.Logger) *Service {
	return &Service{repo: repo, uploadsDir: uploadsDir, logger: logger, now: time.Now}
}

func (s *Service) UploadsDir() string {
	return s.uploadsDir
}

// UploadPath is where a new upload with the given id and original file
// name is stored.
func (s *Service) UploadPath(videoID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	return filepath.Join(s.uploadsDir, videoID+ext)
}

// Register records a video already written to the uploads directory.
func (s *Service) Register(ctx context.Context, videoID, fileName, displayName string) (*Video, error) {
	info, err := os.Stat(filepath.Join(s.uploadsDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}

	now := s.now()
	v := &Video{
		ID:          videoID,
		FileName:    fileName,
		DisplayName: displayName,
		SizeBytes:   info.Size(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := s.repo.GetVideo(ctx, videoID); err != nil {
		return nil, err
	} else if existing != nil {
		v.CreatedAt = existing.CreatedAt
	}

	if err := s.repo.UpsertVideo(ctx, v); err != nil {
		return nil, fmt.Errorf("register video: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("video registered", "video_id", videoID, "file_name", fileName)
	}
	return v, nil
}

// ResolvePath finds the file of a stored video: the registered file name
// first, then <id><ext> for each accepted extension.
func (s *Service) ResolvePath(ctx context.Context, videoID string) (string, error) {
	v, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return "", err
	}
	if v != nil {
		if p := filepath.Join(s.uploadsDir, v.FileName); isRegularFile(p) {
			return p, nil
		}
	}
	if p, ok := s.findByStem(videoID); ok {
		return p, nil
	}
	return "", ErrVideoNotFound
}

func (s *Service) findByStem(videoID string) (string, bool) {
	if videoID == "" || strings.ContainsAny(videoID, `/\`) || videoID == "." || videoID == ".." {
		return "", false
	}
	exts := make([]string, 0, len(video.AllowedExtensions))
	for ext := range video.AllowedExtensions {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	for _, ext := range exts {
		p := filepath.Join(s.uploadsDir, videoID+ext)
		if isRegularFile(p) {
			return p, true
		}
	}
	return "", false
}

// List returns registered videos whose files still exist, plus any video
// files in the uploads directory that were never registered, most recently
// updated first.
func (s *Service) List(ctx context.Context) ([]*Video, error) {
	registered, err := s.repo.ListVideos(ctx)
	if err != nil {
		return nil, err
	}

	videos := make([]*Video, 0, len(registered))
	seen := make(map[string]bool, len(registered))
	for _, v := range registered {
		if !isVideoFile(v.FileName) {
			continue
		}
		info, err := os.Stat(filepath.Join(s.uploadsDir, v.FileName))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		seen[v.FileName] = true
		v.SizeBytes = info.Size()
		videos = append(videos, v)
	}

	entries, err := os.ReadDir(s.uploadsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read uploads dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || seen[e.Name()] || !isVideoFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		videos = append(videos, &Video{
			ID:          stem,
			FileName:    e.Name(),
			DisplayName: stem,
			SizeBytes:   info.Size(),
			CreatedAt:   info.ModTime(),
			UpdatedAt:   info.ModTime(),
		})
	}

	sort.SliceStable(videos, func(i, j int) bool {
		return videos[i].UpdatedAt.After(videos[j].UpdatedAt)
	})
	return videos, nil
}

// Rename sets the display name of a stored video. Unregistered files found
// on disk are registered by the rename.
func (s *Service) Rename(ctx context.Context, videoID, displayName string) (*Video, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, ErrInvalidName
	}

	v, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	var path string
	if v != nil {
		if p := filepath.Join(s.uploadsDir, v.FileName); isRegularFile(p) {
			path = p
		}
	}
	if path == "" {
		p, ok := s.findByStem(videoID)
		if !ok {
			return nil, ErrVideoNotFound
		}
		path = p
		info, err := os.Stat(p)
		if err != nil {
			return nil, ErrVideoNotFound
		}
		v = &Video{ID: videoID, CreatedAt: info.ModTime()}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrVideoNotFound
	}
	v.FileName = filepath.Base(path)
	v.DisplayName = name
	v.SizeBytes = info.Size()
	v.UpdatedAt = s.now()
	if err := s.repo.UpsertVideo(ctx, v); err != nil {
		return nil, fmt.Errorf("rename video: %w", err)
	}
	return v, nil
}

// Delete removes the files and records of the given videos and returns how
// many files were removed. Unknown ids are ignored.
func (s *Service) Delete(ctx context.Context, videoIDs []string) (int, error) {
	deleted := 0
	for _, id := range videoIDs {
		path, err := s.ResolvePath(ctx, id)
		switch {
		case err == nil:
			if err := os.Remove(path); err == nil {
				deleted++
			} else if !errors.Is(err, fs.ErrNotExist) {
				return deleted, fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
		case !errors.Is(err, ErrVideoNotFound):
			return deleted, err
		}
		if err := s.repo.DeleteVideo(ctx, id); err != nil {
			return deleted, err
		}
	}
	if s.logger != nil && deleted > 0 {
		s.logger.Info("videos deleted", "count", deleted)
	}
	return deleted, nil
}

// StorageStatus reports disk usage for root (or the uploads directory when
// root does not exist) and the total size of stored uploads.
func (s *Service) StorageStatus(root string) (*StorageStatus, error) {
	if _, err := os.Stat(root); err != nil {
		root = s.uploadsDir
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	st := &StorageStatus{StorageRoot: abs}
	if st.TotalBytes, st.UsedBytes, st.FreeBytes, err = diskUsage(abs); err != nil {
		return nil, fmt.Errorf("disk usage: %w", err)
	}

	entries, err := os.ReadDir(s.uploadsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read uploads dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !isVideoFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		st.UploadsCount++
		st.UploadsBytes += info.Size()
	}
	return st, nil
}

// RecordExport appends an entry to the export history.
func (s *Service) RecordExport(ctx context.Context, rec *ExportRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return s.repo.CreateExport(ctx, rec)
}

func (s *Service) ListExports(ctx context.Context, limit int) ([]*ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListExports(ctx, limit)
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
