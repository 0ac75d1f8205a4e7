package sqlite

const schemaSQL = `
-- Report jobs table
-- One row per submitted job, status transitions are conditional updates
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	report_type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	input_json TEXT NOT NULL,
	error_code TEXT,
	error_message TEXT,
	current_stage TEXT,
	progress_json TEXT,
	result_json TEXT,
	idempotency_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);

-- Section logs table (append-only)
-- Insertion id is the causal order within a job
CREATE TABLE IF NOT EXISTS job_sections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	section_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	attempt INTEGER DEFAULT 1,
	status TEXT NOT NULL,
	metrics_json TEXT,
	error_code TEXT,
	latency_ms INTEGER DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_sections_job_id ON job_sections(job_id);

-- Artifacts table (write-once pipeline intermediates)
CREATE TABLE IF NOT EXISTS job_artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	section_id TEXT,
	content_json_or_html TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_artifacts_job_id ON job_artifacts(job_id);

-- Idempotency claims table
-- Primary key gives the atomic insert-if-absent primitive.
-- No foreign key to jobs: claims are created before the job row exists.
CREATE TABLE IF NOT EXISTS job_idempotency (
	idempotency_key TEXT PRIMARY KEY,
	payload_hash TEXT NOT NULL,
	job_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_idempotency_expires_at ON job_idempotency(expires_at);
`

// migrate applies the schema. Statements are idempotent.
func (s *SQLiteDB) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	return nil
}
