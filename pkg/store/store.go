// Package store records registered images and the results derived from them
// in a SQLite database.
//
// Every call runs in its own short transaction or query; the store holds
// no state between calls beyond the connection pool, so the processing
// packages never see a persistence handle.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"microvolume/internal/models"
)

// ErrNotFound is returned when no registered image matches a lookup key.
var ErrNotFound = errors.New("image not found")

const schema = `
CREATE TABLE IF NOT EXISTS image_metadata (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL UNIQUE,
	filename    TEXT NOT NULL,
	dimensions  TEXT NOT NULL,
	dtype       TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL,
	upload_time TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS image_statistics (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	image_id INTEGER NOT NULL REFERENCES image_metadata(id) ON DELETE CASCADE,
	channel  INTEGER NOT NULL,
	mean     REAL NOT NULL,
	std      REAL NOT NULL,
	min      REAL NOT NULL,
	max      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_image_statistics_image ON image_statistics(image_id, channel);
CREATE TABLE IF NOT EXISTS pca_results (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	image_id           INTEGER NOT NULL REFERENCES image_metadata(id) ON DELETE CASCADE,
	components         INTEGER NOT NULL,
	explained_variance TEXT NOT NULL,
	file_path          TEXT NOT NULL
);
`

// ImageRecord is one registered image.
type ImageRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Filename   string    `json:"filename"`
	Dimensions string    `json:"dimensions"`
	DType      string    `json:"dtype"`
	FilePath   string    `json:"file_path"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadTime time.Time `json:"upload_time"`
}

// StatisticsRecord is the stored summary of one channel of an image.
type StatisticsRecord struct {
	ID      int64
	ImageID int64
	models.ChannelStatistics
}

// ReductionRecord is one stored principal component reduction.
type ReductionRecord struct {
	ID                int64     `json:"id"`
	ImageID           int64     `json:"image_id"`
	Components        int       `json:"components"`
	ExplainedVariance []float64 `json:"explained_variance"`
	FilePath          string    `json:"file_path"`
}

// Store is a SQLite-backed record of images and results.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string, logger *zap.SugaredLogger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A single connection serializes writers and keeps in-memory databases
	// on one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Infow("Opened result store", "path", dbPath)
	return &Store{db: db, path: dbPath, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordImage inserts rec, assigning a request id and upload time when
// they are unset, and returns the new row id.
func (s *Store) RecordImage(ctx context.Context, rec *ImageRecord) (int64, error) {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.UploadTime.IsZero() {
		rec.UploadTime = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO image_metadata (request_id, filename, dimensions, dtype, file_path, checksum, size_bytes, upload_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Filename, rec.Dimensions, rec.DType, rec.FilePath, rec.Checksum, rec.SizeBytes,
		rec.UploadTime.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to record image %s: %w", rec.FilePath, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read image id: %w", err)
	}
	rec.ID = id
	s.logger.Debugw("Recorded image", "id", id, "request_id", rec.RequestID, "path", rec.FilePath)
	return id, nil
}

// FindImage returns the first image whose request id equals key or whose
// file path contains key. An empty key matches nothing.
func (s *Store) FindImage(ctx context.Context, key string) (*ImageRecord, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty key", ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, filename, dimensions, dtype, file_path, checksum, size_bytes, upload_time
		 FROM image_metadata
		 WHERE request_id = ? OR instr(file_path, ?) > 0
		 ORDER BY id LIMIT 1`, key, key)

	var rec ImageRecord
	var uploaded string
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.Filename, &rec.Dimensions, &rec.DType,
		&rec.FilePath, &rec.Checksum, &rec.SizeBytes, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up image %q: %w", key, err)
	}
	if rec.UploadTime, err = time.Parse(time.RFC3339Nano, uploaded); err != nil {
		return nil, fmt.Errorf("bad upload time %q for image %d: %w", uploaded, rec.ID, err)
	}
	return &rec, nil
}

// RecordStatistics replaces the stored channel summaries of an image.
func (s *Store) RecordStatistics(ctx context.Context, imageID int64, stats []models.ChannelStatistics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM image_statistics WHERE image_id = ?`, imageID); err != nil {
		return fmt.Errorf("failed to clear statistics of image %d: %w", imageID, err)
	}
	for _, st := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO image_statistics (image_id, channel, mean, std, min, max) VALUES (?, ?, ?, ?, ?, ?)`,
			imageID, st.Channel, st.Mean, st.Std, st.Min, st.Max); err != nil {
			return fmt.Errorf("failed to record statistics of image %d channel %d: %w", imageID, st.Channel, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit statistics: %w", err)
	}
	s.logger.Debugw("Recorded statistics", "image_id", imageID, "channels", len(stats))
	return nil
}

// ListStatistics returns the stored channel summaries of an image ordered
// by channel.
func (s *Store) ListStatistics(ctx context.Context, imageID int64) ([]StatisticsRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_id, channel, mean, std, min, max FROM image_statistics
		 WHERE image_id = ? ORDER BY channel`, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var out []StatisticsRecord
	for rows.Next() {
		var r StatisticsRecord
		if err := rows.Scan(&r.ID, &r.ImageID, &r.Channel, &r.Mean, &r.Std, &r.Min, &r.Max); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordReduction inserts a reduction result row and returns its id.
func (s *Store) RecordReduction(ctx context.Context, rec *ReductionRecord) (int64, error) {
	explained, err := json.Marshal(rec.ExplainedVariance)
	if err != nil {
		return 0, fmt.Errorf("failed to encode explained variance: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pca_results (image_id, components, explained_variance, file_path) VALUES (?, ?, ?, ?)`,
		rec.ImageID, rec.Components, string(explained), rec.FilePath)
	if err != nil {
		return 0, fmt.Errorf("failed to record reduction of image %d: %w", rec.ImageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read reduction id: %w", err)
	}
	rec.ID = id
	s.logger.Debugw("Recorded reduction", "image_id", rec.ImageID, "components", rec.Components)
	return id, nil
}

// ListReductions returns the stored reductions of an image, oldest first.
func (s *Store) ListReductions(ctx context.Context, imageID int64) ([]ReductionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_id, components, explained_variance, file_path FROM pca_results
		 WHERE image_id = ? ORDER BY id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reductions: %w", err)
	}
	defer rows.Close()

	var out []ReductionRecord
	for rows.Next() {
		var r ReductionRecord
		var explained string
		if err := rows.Scan(&r.ID, &r.ImageID, &r.Components, &explained, &r.FilePath); err != nil {
			return nil, fmt.Errorf("failed to scan reduction: %w", err)
		}
		if err := json.Unmarshal([]byte(explained), &r.ExplainedVariance); err != nil {
			return nil, fmt.Errorf("bad explained variance in reduction %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
