package pgstore

// Schema creates the tables of the store. It can be applied multiple times.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id           BIGSERIAL PRIMARY KEY,
	namespace    TEXT NOT NULL,
	repo_name    TEXT NOT NULL,
	project_url  TEXT NOT NULL,
	instance_url TEXT NOT NULL,
	UNIQUE (instance_url, namespace, repo_name)
);

CREATE TABLE IF NOT EXISTS project_events (
	id              BIGSERIAL PRIMARY KEY,
	kind            TEXT NOT NULL,
	forge_object_id TEXT NOT NULL,
	project_id      BIGINT NOT NULL REFERENCES projects (id),
	commit_sha      TEXT NOT NULL DEFAULT '',
	packages_config BYTEA,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (kind, forge_object_id, project_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id               BIGSERIAL PRIMARY KEY,
	project_event_id BIGINT NOT NULL REFERENCES project_events (id),
	srpm_build_id    BIGINT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS runs_project_event_id_idx ON runs (project_event_id);
CREATE INDEX IF NOT EXISTS runs_srpm_build_id_idx ON runs (srpm_build_id);

CREATE TABLE IF NOT EXISTS target_groups (
	id         BIGSERIAL PRIMARY KEY,
	stage      TEXT NOT NULL,
	run_id     BIGINT NOT NULL REFERENCES runs (id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_groups (
	run_id   BIGINT NOT NULL REFERENCES runs (id),
	stage    TEXT NOT NULL,
	group_id BIGINT NOT NULL REFERENCES target_groups (id),
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS targets (
	id           BIGSERIAL PRIMARY KEY,
	stage        TEXT NOT NULL,
	group_id     BIGINT REFERENCES target_groups (id),
	name         TEXT NOT NULL,
	external_id  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	commit_sha   TEXT NOT NULL DEFAULT '',
	owner        TEXT NOT NULL DEFAULT '',
	project_name TEXT NOT NULL DEFAULT '',
	identifier   TEXT NOT NULL DEFAULT '',
	web_url      TEXT NOT NULL DEFAULT '',
	logs_url     TEXT NOT NULL DEFAULT '',
	scratch      BOOLEAN NOT NULL DEFAULT FALSE,
	data         JSONB NOT NULL DEFAULT '{}',
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS targets_stage_external_id_name_key
	ON targets (stage, external_id, name) WHERE external_id <> '';
CREATE INDEX IF NOT EXISTS targets_stage_external_id_idx ON targets (stage, external_id);
CREATE INDEX IF NOT EXISTS targets_group_id_idx ON targets (group_id);
CREATE INDEX IF NOT EXISTS targets_build_lookup_idx ON targets (stage, owner, project_name, commit_sha);

CREATE TABLE IF NOT EXISTS target_links (
	test_target_id  BIGINT NOT NULL REFERENCES targets (id),
	build_target_id BIGINT NOT NULL REFERENCES targets (id),
	PRIMARY KEY (test_target_id, build_target_id)
);
`
