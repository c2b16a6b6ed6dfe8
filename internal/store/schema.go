package store

const schema = `
CREATE TABLE IF NOT EXISTS cookbooks (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	title               TEXT NOT NULL,
	file_ref            TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'uploaded',
	processed_pages     INTEGER NOT NULL DEFAULT 0,
	total_recipes_found INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id                TEXT PRIMARY KEY,
	cookbook_id       TEXT NOT NULL REFERENCES cookbooks(id),
	user_id           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	total_pages       INTEGER,
	current_page      INTEGER NOT NULL DEFAULT 0,
	recipes_extracted INTEGER NOT NULL DEFAULT 0,
	failed_pages      INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	started_at        TIMESTAMP,
	completed_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_cookbook ON processing_jobs(cookbook_id, status);

CREATE TABLE IF NOT EXISTS job_logs (
	job_id     TEXT NOT NULL REFERENCES processing_jobs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	stream     TEXT NOT NULL,
	line       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS recipes (
	id            TEXT PRIMARY KEY,
	cookbook_id   TEXT NOT NULL REFERENCES cookbooks(id),
	source_page   INTEGER NOT NULL,
	title         TEXT NOT NULL,
	ingredients   TEXT NOT NULL DEFAULT '[]',
	instructions  TEXT NOT NULL DEFAULT '[]',
	nutrition     TEXT,
	dietary_flags TEXT NOT NULL DEFAULT '[]',
	confidence    REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	image_url     TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recipes_cookbook ON recipes(cookbook_id);
CREATE INDEX IF NOT EXISTS idx_recipes_missing_images ON recipes(status) WHERE image_url = '';

CREATE TABLE IF NOT EXISTS non_recipe_pages (
	cookbook_id  TEXT NOT NULL REFERENCES cookbooks(id),
	page         INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'other',
	note         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (cookbook_id, page)
);
`
