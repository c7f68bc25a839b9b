package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by read methods on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for exports, extracted metadata and
// batch jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS export_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            source_path TEXT,
            artifact_path TEXT,
            format TEXT NOT NULL,
            bytes INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS image_metadata (
            file_path TEXT PRIMARY KEY,
            camera TEXT,
            lens TEXT,
            iso TEXT,
            aperture TEXT,
            shutter TEXT,
            location TEXT,
            gps_lat REAL,
            gps_lon REAL,
            extracted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_export_records_created ON export_records(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// ExportRecord is one export attempt. Failed attempts carry Error and no
// artifact.
type ExportRecord struct {
	ID           int64     `json:"id"`
	SourcePath   string    `json:"source_path"`
	ArtifactPath string    `json:"artifact_path"`
	Format       string    `json:"format"`
	Bytes        int       `json:"bytes"`
	CreatedAt    time.Time `json:"created_at"`
	Error        string    `json:"error,omitempty"`
}

// ImageMetadata is the cached extraction result for a file.
type ImageMetadata struct {
	FilePath    string
	Camera      string
	Lens        string
	ISO         string
	Aperture    string
	Shutter     string
	Location    string
	GPSLat      *float64
	GPSLon      *float64
	ExtractedAt time.Time
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordExport appends an export attempt and returns its id.
func (s *Store) RecordExport(rec ExportRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`INSERT INTO export_records (source_path, artifact_path, format, bytes, error_message) VALUES (?, ?, ?, ?, ?);`,
		rec.SourcePath, rec.ArtifactPath, rec.Format, rec.Bytes, rec.Error)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentExports returns the latest export attempts, newest first.
func (s *Store) RecentExports(limit int) ([]ExportRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(`SELECT id, source_path, artifact_path, format, bytes, created_at, error_message FROM export_records ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ExportRecord
	for rows.Next() {
		var rec ExportRecord
		var source, artifact, errorMsg sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&rec.ID, &source, &artifact, &rec.Format, &size, &rec.CreatedAt, &errorMsg); err != nil {
			return nil, err
		}
		rec.SourcePath = source.String
		rec.ArtifactPath = artifact.String
		rec.Bytes = int(size.Int64)
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordImageMetadata stores the extracted record for a file, replacing any
// previous entry.
func (s *Store) RecordImageMetadata(meta ImageMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_metadata (file_path, camera, lens, iso, aperture, shutter, location, gps_lat, gps_lon)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.Camera, meta.Lens, meta.ISO, meta.Aperture, meta.Shutter, meta.Location, meta.GPSLat, meta.GPSLon)
	return err
}

// ImageMetadata returns the cached entry for path, or sql.ErrNoRows.
func (s *Store) ImageMetadata(path string) (ImageMetadata, error) {
	if s == nil {
		return ImageMetadata{}, ErrNotInitialized
	}
	meta := ImageMetadata{FilePath: path}
	var lat, lon sql.NullFloat64
	var camera, lens, iso, aperture, shutter, location sql.NullString
	err := s.DB.QueryRow(`SELECT camera, lens, iso, aperture, shutter, location, gps_lat, gps_lon, extracted_at FROM image_metadata WHERE file_path=?;`, path).
		Scan(&camera, &lens, &iso, &aperture, &shutter, &location, &lat, &lon, &meta.ExtractedAt)
	if err != nil {
		return ImageMetadata{}, err
	}
	meta.Camera, meta.Lens, meta.ISO = camera.String, lens.String, iso.String
	meta.Aperture, meta.Shutter, meta.Location = aperture.String, shutter.String, location.String
	if lat.Valid {
		meta.GPSLat = &lat.Float64
	}
	if lon.Valid {
		meta.GPSLon = &lon.Float64
	}
	return meta, nil
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
