package library

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type Repository interface {
	UpsertVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	ListVideos(ctx context.Context) ([]*Video, error)
	UpdateVideoName(ctx context.Context, id, displayName string, updatedAt time.Time) error
	DeleteVideo(ctx context.Context, id string) error

	CreateExport(ctx context.Context, rec *ExportRecord) error
	ListExports(ctx context.Context, limit int) ([]*ExportRecord, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertVideo inserts a video or refreshes an existing row, keeping its
// original created_at.
func (r *SQLiteRepository) UpsertVideo(ctx context.Context, v *Video) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (id, file_name, display_name, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_name = excluded.file_name,
			display_name = excluded.display_name,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at
	`, v.ID, v.FileName, v.DisplayName, v.SizeBytes, formatTime(v.CreatedAt), formatTime(v.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetVideo(ctx context.Context, id string) (*Video, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, file_name, display_name, size_bytes, created_at, updated_at
		FROM videos WHERE id = ?
	`, id)

	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func (r *SQLiteRepository) ListVideos(ctx context.Context) ([]*Video, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, file_name, display_name, size_bytes, created_at, updated_at
		FROM videos ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (r *SQLiteRepository) UpdateVideoName(ctx context.Context, id, displayName string, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE videos SET display_name = ?, updated_at = ? WHERE id = ?",
		displayName, formatTime(updatedAt), id)
	return err
}

func (r *SQLiteRepository) DeleteVideo(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM videos WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) CreateExport(ctx context.Context, rec *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (id, session_id, video_id, file_name, formats, merge_mode,
			frame_start, frame_end, annotations, size_bytes, saved_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, nullString(rec.VideoID), rec.FileName, strings.Join(rec.Formats, ","),
		rec.MergeMode, rec.FrameStart, rec.FrameEnd, rec.Annotations, rec.SizeBytes,
		nullString(rec.SavedPath), formatTime(rec.CreatedAt))
	return err
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*ExportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, video_id, file_name, formats, merge_mode,
			frame_start, frame_end, annotations, size_bytes, saved_path, created_at
		FROM exports ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ExportRecord
	for rows.Next() {
		var rec ExportRecord
		var videoID, savedPath sql.NullString
		var formats, createdAt string

		if err := rows.Scan(&rec.ID, &rec.SessionID, &videoID, &rec.FileName, &formats, &rec.MergeMode,
			&rec.FrameStart, &rec.FrameEnd, &rec.Annotations, &rec.SizeBytes, &savedPath, &createdAt); err != nil {
			return nil, err
		}
		rec.VideoID = videoID.String
		rec.SavedPath = savedPath.String
		if formats != "" {
			rec.Formats = strings.Split(formats, ",")
		}
		rec.CreatedAt = parseTime(createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (*Video, error) {
	var v Video
	var createdAt, updatedAt string
	if err := row.Scan(&v.ID, &v.FileName, &v.DisplayName, &v.SizeBytes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
