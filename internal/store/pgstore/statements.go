package pgstore

import (
	"fmt"
	"strings"
)

// statement is an SQL statement or fragment of an SQL statement.
type statement int

const (
	insertProject statement = iota
	getProjectByKey
	getProject
	insertProjectEvent
	getProjectEventByKey
	getProjectEvent
	setPackagesConfig
	insertRun
	getRun
	getAndLockRun
	getRunGroups
	listRunsByProjectEvent
	getRunBySRPM
	setRunSRPM
	insertGroup
	insertRunGroup
	getGroup
	insertTarget
	getTarget
	getTargetByExternalIDAndName
	listTargetsByExternalID
	listTargetsByGroup
	listTargets
	compareAndSetStatus
	updateTarget
	insertLink
	listLinkedBuilds
)

var targetColumns = []string{
	"id",
	"stage",
	"group_id",
	"name",
	"external_id",
	"status",
	"commit_sha",
	"owner",
	"project_name",
	"identifier",
	"web_url",
	"logs_url",
	"scratch",
	"data",
	"submitted_at",
	"started_at",
	"finished_at",
}

var targetColumnsStr = strings.Join(targetColumns, ", ")

const targetsOrder = "ORDER BY submitted_at DESC, id DESC"

var statements = map[statement]string{
	insertProject: `
INSERT INTO projects (namespace, repo_name, project_url, instance_url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (instance_url, namespace, repo_name) DO NOTHING
RETURNING id, namespace, repo_name, project_url, instance_url`,
	getProjectByKey: `
SELECT id, namespace, repo_name, project_url, instance_url
FROM projects
WHERE namespace = $1 AND repo_name = $2 AND instance_url = $3`,
	getProject: `
SELECT id, namespace, repo_name, project_url, instance_url
FROM projects
WHERE id = $1`,
	insertProjectEvent: `
INSERT INTO project_events (kind, forge_object_id, project_id, commit_sha)
VALUES ($1, $2, $3, $4)
ON CONFLICT (kind, forge_object_id, project_id) DO UPDATE
SET commit_sha = EXCLUDED.commit_sha
WHERE project_events.commit_sha = ''
RETURNING id, kind, forge_object_id, project_id, commit_sha, packages_config, created_at`,
	getProjectEventByKey: `
SELECT id, kind, forge_object_id, project_id, commit_sha, packages_config, created_at
FROM project_events
WHERE kind = $1 AND forge_object_id = $2 AND project_id = $3`,
	getProjectEvent: `
SELECT id, kind, forge_object_id, project_id, commit_sha, packages_config, created_at
FROM project_events
WHERE id = $1`,
	setPackagesConfig: `
UPDATE project_events SET packages_config = $2 WHERE id = $1`,
	insertRun: `
INSERT INTO runs (project_event_id, srpm_build_id)
VALUES ($1, $2)
RETURNING id, created_at`,
	getRun: `
SELECT id, project_event_id, srpm_build_id, created_at
FROM runs
WHERE id = $1`,
	getAndLockRun: `
SELECT id, project_event_id, srpm_build_id, created_at
FROM runs
WHERE id = $1
FOR UPDATE`,
	getRunGroups: `
SELECT stage, group_id FROM run_groups WHERE run_id = $1`,
	listRunsByProjectEvent: `
SELECT id, project_event_id, srpm_build_id, created_at
FROM runs
WHERE project_event_id = $1
ORDER BY id`,
	getRunBySRPM: `
SELECT id, project_event_id, srpm_build_id, created_at
FROM runs
WHERE srpm_build_id = $1
ORDER BY id
LIMIT 1`,
	setRunSRPM: `
UPDATE runs SET srpm_build_id = $2 WHERE id = $1`,
	insertGroup: `
INSERT INTO target_groups (stage, run_id)
VALUES ($1, $2)
RETURNING id, created_at`,
	insertRunGroup: `
INSERT INTO run_groups (run_id, stage, group_id)
VALUES ($1, $2, $3)`,
	getGroup: `
SELECT id, stage, run_id, created_at
FROM target_groups
WHERE id = $1`,
	insertTarget: `
INSERT INTO targets (
	stage, group_id, name, external_id, status, commit_sha, owner,
	project_name, identifier, web_url, logs_url, scratch, data,
	submitted_at, started_at, finished_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, now()), $15, $16)
RETURNING id, submitted_at`,
	getTarget: fmt.Sprintf(`
SELECT %s FROM targets WHERE id = $1`, targetColumnsStr),
	getTargetByExternalIDAndName: fmt.Sprintf(`
SELECT %s FROM targets WHERE stage = $1 AND external_id = $2 AND name = $3`, targetColumnsStr),
	listTargetsByExternalID: fmt.Sprintf(`
SELECT %s FROM targets WHERE stage = $1 AND external_id = $2 %s`, targetColumnsStr, targetsOrder),
	listTargetsByGroup: fmt.Sprintf(`
SELECT %s FROM targets WHERE group_id = $1 %s`, targetColumnsStr, targetsOrder),
	// the WHERE clause is appended by ListTargets
	listTargets: fmt.Sprintf(`
SELECT %s FROM targets`, targetColumnsStr),
	compareAndSetStatus: `
UPDATE targets SET status = $3 WHERE id = $1 AND status = $2`,
	updateTarget: `
UPDATE targets SET
	external_id  = COALESCE($2, external_id),
	web_url      = COALESCE($3, web_url),
	logs_url     = COALESCE($4, logs_url),
	owner        = COALESCE($5, owner),
	project_name = COALESCE($6, project_name),
	submitted_at = COALESCE($7, submitted_at),
	started_at   = COALESCE($8, started_at),
	finished_at  = COALESCE($9, finished_at),
	data         = data || COALESCE($10::JSONB, '{}'::JSONB)
WHERE id = $1`,
	insertLink: `
INSERT INTO target_links (test_target_id, build_target_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`,
	listLinkedBuilds: fmt.Sprintf(`
SELECT %s FROM targets
WHERE id IN (SELECT build_target_id FROM target_links WHERE test_target_id = $1)
%s`, targetColumnsStr, targetsOrder),
}
