package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, exposures, slice fits and
// observables.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
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
		`CREATE TABLE IF NOT EXISTS exposures (
            file_path TEXT PRIMARY KEY,
            target TEXT,
            filter TEXT,
            date_obs TEXT,
            pa_v3 REAL,
            vparity INTEGER,
            pixel_scale_mas REAL,
            n_slices INTEGER,
            has_dq BOOLEAN DEFAULT FALSE,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS slice_fits (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            file_path TEXT,
            slice_index INTEGER NOT NULL,
            status TEXT NOT NULL,
            rss REAL,
            offset_x REAL,
            offset_y REAL,
            rotation_deg REAL,
            n_pixels INTEGER,
            flux REAL,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS observables (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            mask_key TEXT,
            target TEXT,
            filter TEXT,
            payload_json TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_slice_fits_job_id ON slice_fits(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_observables_job_id ON observables(job_id);`,
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

// ExposureRecord is the header summary of an ingested exposure.
type ExposureRecord struct {
	FilePath      string
	Target        string
	Filter        string
	DateObs       string
	PAV3          float64
	VParity       int
	PixelScaleMas float64
	NSlices       int
	HasDQ         bool
}

// SliceFitRecord is the best candidate of one slice, or why it was skipped.
type SliceFitRecord struct {
	JobID       string
	FilePath    string
	SliceIndex  int
	Status      string // fitted, skipped
	RSS         float64
	OffsetX     float64
	OffsetY     float64
	RotationDeg float64
	NPixels     int
	Flux        float64
	Error       string
}

// Observable kinds.
const (
	KindSummary    = "summary"
	KindCalibrated = "calibrated"
)

// ObservableRecord holds an encoded observables payload.
type ObservableRecord struct {
	ID          int64
	JobID       string
	Kind        string
	MaskKey     string
	Target      string
	Filter      string
	PayloadJSON string
	CreatedAt   time.Time
}

// ErrDuplicateJob is returned when a job ID is already recorded.
var ErrDuplicateJob = errors.New("job id already recorded")

// RecordJobQueued inserts a pending job. An existing job with the same ID is
// left untouched and ErrDuplicateJob returned.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	res, err := s.DB.Exec(`INSERT INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING;`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.ID)
	}
	return nil
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
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordExposure upserts the header summary of an exposure.
func (s *Store) RecordExposure(rec ExposureRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO exposures (file_path, target, filter, date_obs, pa_v3, vparity, pixel_scale_mas, n_slices, has_dq, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.FilePath, rec.Target, rec.Filter, rec.DateObs, rec.PAV3, rec.VParity, rec.PixelScaleMas, rec.NSlices, rec.HasDQ)
	return err
}

// Exposure looks up a previously recorded exposure.
func (s *Store) Exposure(path string) (ExposureRecord, error) {
	var rec ExposureRecord
	if s == nil {
		return rec, errors.New("store not initialized")
	}
	err := s.DB.QueryRow(`SELECT file_path, target, filter, date_obs, pa_v3, vparity, pixel_scale_mas, n_slices, has_dq FROM exposures WHERE file_path=?;`, path).
		Scan(&rec.FilePath, &rec.Target, &rec.Filter, &rec.DateObs, &rec.PAV3, &rec.VParity, &rec.PixelScaleMas, &rec.NSlices, &rec.HasDQ)
	return rec, err
}

// RecordSliceFits stores the per-slice outcomes of a job in one transaction.
func (s *Store) RecordSliceFits(recs []SliceFitRecord) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO slice_fits (job_id, file_path, slice_index, status, rss, offset_x, offset_y, rotation_deg, n_pixels, flux, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.Exec(r.JobID, r.FilePath, r.SliceIndex, r.Status, nullFloat(r.RSS), r.OffsetX, r.OffsetY, r.RotationDeg, r.NPixels, nullFloat(r.Flux), r.Error); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SliceFits lists the slice outcomes of a job in slice order.
func (s *Store) SliceFits(jobID string) ([]SliceFitRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, file_path, slice_index, status, rss, offset_x, offset_y, rotation_deg, n_pixels, flux, error_message FROM slice_fits WHERE job_id=? ORDER BY slice_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SliceFitRecord
	for rows.Next() {
		var r SliceFitRecord
		var rss, flux sql.NullFloat64
		var errMsg sql.NullString
		if err := rows.Scan(&r.JobID, &r.FilePath, &r.SliceIndex, &r.Status, &rss, &r.OffsetX, &r.OffsetY, &r.RotationDeg, &r.NPixels, &flux, &errMsg); err != nil {
			return nil, err
		}
		r.RSS = floatOrNaN(rss)
		r.Flux = floatOrNaN(flux)
		r.Error = errMsg.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// RecordObservables stores an encoded observables payload and returns its row id.
func (s *Store) RecordObservables(rec ObservableRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`INSERT INTO observables (job_id, kind, mask_key, target, filter, payload_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.Kind, rec.MaskKey, rec.Target, rec.Filter, rec.PayloadJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestObservables returns the newest payload of the given kind for a job.
func (s *Store) LatestObservables(jobID, kind string) (ObservableRecord, error) {
	var rec ObservableRecord
	if s == nil {
		return rec, errors.New("store not initialized")
	}
	var maskKey, target, filter sql.NullString
	err := s.DB.QueryRow(`SELECT id, job_id, kind, mask_key, target, filter, payload_json, created_at FROM observables WHERE job_id=? AND kind=? ORDER BY id DESC LIMIT 1;`, jobID, kind).
		Scan(&rec.ID, &rec.JobID, &rec.Kind, &maskKey, &target, &filter, &rec.PayloadJSON, &rec.CreatedAt)
	rec.MaskKey, rec.Target, rec.Filter = maskKey.String, target.String, filter.String
	return rec, err
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
