// Package pgstore provides a store.Store implementation that persists the
// ledger in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/simplesurance/runledger/internal/model"
	"github.com/simplesurance/runledger/internal/store"
)

const pgUniqueViolation = "23505"

// Store implements store.Store.
type Store struct {
	db *pgxpool.Pool
}

// New returns a new *Store that uses the given Pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{
		db: db,
	}
}

// Migrate creates the database tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return wrappedError(err)
}

// wrappedError converts pgx.ErrNoRows to store.ErrNotFound, unique
// violations to store.ConflictError and adds the details of other
// pgconn.PgErrors to the error message.
func wrappedError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return &store.ConflictError{What: pgErr.ConstraintName, Err: err}
		}

		return fmt.Errorf("msg: %s, code: %s, detail: %s, hint: %s: %w", pgErr.Message, pgErr.Code, pgErr.Detail, pgErr.Hint, err)
	}

	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project

	err := row.Scan(&p.ID, &p.Namespace, &p.RepoName, &p.ProjectURL, &p.InstanceURL)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *Store) GetOrCreateProject(ctx context.Context, namespace, repoName, projectURL, instanceURL string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, statements[insertProject], namespace, repoName, projectURL, instanceURL))
	if err == nil {
		return p, nil
	}

	// ErrNoRows is returned when the row already existed and the
	// insert did nothing
	if !errors.Is(err, pgx.ErrNoRows) && !isUniqueViolation(err) {
		return nil, wrappedError(err)
	}

	return s.FindProject(ctx, namespace, repoName, instanceURL)
}

func (s *Store) FindProject(ctx context.Context, namespace, repoName, instanceURL string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, statements[getProjectByKey], namespace, repoName, instanceURL))
	if err != nil {
		return nil, wrappedError(err)
	}

	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, statements[getProject], id))
	if err != nil {
		return nil, wrappedError(err)
	}

	return p, nil
}

func scanProjectEvent(row pgx.Row) (*model.ProjectEvent, error) {
	var ev model.ProjectEvent
	var kind string

	err := row.Scan(&ev.ID, &kind, &ev.ForgeObjectID, &ev.ProjectID, &ev.CommitSHA, &ev.PackagesConfig, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}

	ev.Kind = model.EventKind(kind)

	return &ev, nil
}

func (s *Store) GetOrCreateProjectEvent(ctx context.Context, kind model.EventKind, forgeObjectID string, projectID int64, firstCommitSHA string) (*model.ProjectEvent, error) {
	ev, err := scanProjectEvent(s.db.QueryRow(ctx, statements[insertProjectEvent], string(kind), forgeObjectID, projectID, firstCommitSHA))
	if err == nil {
		return ev, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) && !isUniqueViolation(err) {
		return nil, wrappedError(err)
	}

	return s.FindProjectEvent(ctx, kind, forgeObjectID, projectID)
}

func (s *Store) GetProjectEvent(ctx context.Context, id int64) (*model.ProjectEvent, error) {
	ev, err := scanProjectEvent(s.db.QueryRow(ctx, statements[getProjectEvent], id))
	if err != nil {
		return nil, wrappedError(err)
	}

	return ev, nil
}

func (s *Store) FindProjectEvent(ctx context.Context, kind model.EventKind, forgeObjectID string, projectID int64) (*model.ProjectEvent, error) {
	ev, err := scanProjectEvent(s.db.QueryRow(ctx, statements[getProjectEventByKey], string(kind), forgeObjectID, projectID))
	if err != nil {
		return nil, wrappedError(err)
	}

	return ev, nil
}

func (s *Store) SetPackagesConfig(ctx context.Context, projectEventID int64, cfg []byte) error {
	tag, err := s.db.Exec(ctx, statements[setPackagesConfig], projectEventID, cfg)
	if err != nil {
		return wrappedError(err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project event %d: %w", projectEventID, store.ErrNotFound)
	}

	return nil
}

// querier is implemented by pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}

	return &id
}

func insertRunRow(ctx context.Context, q querier, run *model.Run) error {
	err := q.QueryRow(ctx, statements[insertRun], run.ProjectEventID, nullableID(run.SRPMBuildID)).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return err
	}

	for stage, groupID := range run.Groups {
		if _, err := q.Exec(ctx, statements[insertRunGroup], run.ID, string(stage), groupID); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	if len(run.Groups) == 0 {
		return wrappedError(insertRunRow(ctx, s.db, run))
	}

	return wrappedError(s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return insertRunRow(ctx, tx, run)
	}))
}

func loadRun(ctx context.Context, q querier, row pgx.Row) (*model.Run, error) {
	var run model.Run
	var srpmID *int64

	if err := row.Scan(&run.ID, &run.ProjectEventID, &srpmID, &run.CreatedAt); err != nil {
		return nil, err
	}

	if srpmID != nil {
		run.SRPMBuildID = *srpmID
	}

	rows, err := q.Query(ctx, statements[getRunGroups], run.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		var groupID int64

		if err := rows.Scan(&stage, &groupID); err != nil {
			return nil, err
		}

		run.SetGroupID(model.Stage(stage), groupID)
	}

	return &run, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id int64) (*model.Run, error) {
	run, err := loadRun(ctx, s.db, s.db.QueryRow(ctx, statements[getRun], id))
	if err != nil {
		return nil, wrappedError(err)
	}

	return run, nil
}

func (s *Store) ListRunsByProjectEvent(ctx context.Context, projectEventID int64) ([]*model.Run, error) {
	rows, err := s.db.Query(ctx, statements[listRunsByProjectEvent], projectEventID)
	if err != nil {
		return nil, wrappedError(err)
	}

	var ids []int64
	for rows.Next() {
		var run model.Run
		var srpmID *int64
		if err := rows.Scan(&run.ID, &run.ProjectEventID, &srpmID, &run.CreatedAt); err != nil {
			rows.Close()
			return nil, wrappedError(err)
		}
		ids = append(ids, run.ID)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, wrappedError(err)
	}

	result := make([]*model.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}

		result = append(result, run)
	}

	return result, nil
}

func (s *Store) GetRunBySRPM(ctx context.Context, srpmTargetID int64) (*model.Run, error) {
	run, err := loadRun(ctx, s.db, s.db.QueryRow(ctx, statements[getRunBySRPM], srpmTargetID))
	if err != nil {
		return nil, wrappedError(err)
	}

	return run, nil
}

func (s *Store) SetRunSRPM(ctx context.Context, runID, srpmTargetID int64) error {
	tag, err := s.db.Exec(ctx, statements[setRunSRPM], runID, srpmTargetID)
	if err != nil {
		return wrappedError(err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %d: %w", runID, store.ErrNotFound)
	}

	return nil
}

func (s *Store) AttachNewGroup(ctx context.Context, runID int64, stage model.Stage) (*model.TargetGroup, *model.Run, error) {
	var group model.TargetGroup
	var run *model.Run

	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error

		run, err = loadRun(ctx, tx, tx.QueryRow(ctx, statements[getAndLockRun], runID))
		if err != nil {
			return err
		}

		if run.GroupID(stage) != 0 {
			run = run.Clone(stage)
			if err := insertRunRow(ctx, tx, run); err != nil {
				return err
			}
		}

		group.Stage = stage
		group.RunID = run.ID

		err = tx.QueryRow(ctx, statements[insertGroup], string(stage), run.ID).Scan(&group.ID, &group.CreatedAt)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, statements[insertRunGroup], run.ID, string(stage), group.ID); err != nil {
			return err
		}

		run.SetGroupID(stage, group.ID)

		return nil
	})
	if err != nil {
		return nil, nil, wrappedError(err)
	}

	return &group, run, nil
}

func (s *Store) GetGroup(ctx context.Context, id int64) (*model.TargetGroup, error) {
	var group model.TargetGroup
	var stage string

	err := s.db.QueryRow(ctx, statements[getGroup], id).Scan(&group.ID, &stage, &group.RunID, &group.CreatedAt)
	if err != nil {
		return nil, wrappedError(err)
	}

	group.Stage = model.Stage(stage)

	return &group, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func marshalData(data map[string]string) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(data)
}

func (s *Store) CreateTargets(ctx context.Context, targets []*model.Target) error {
	return wrappedError(s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, t := range targets {
			data, err := marshalData(t.Data)
			if err != nil {
				return fmt.Errorf("marshaling data of target %s failed: %w", t, err)
			}

			err = tx.QueryRow(
				ctx,
				statements[insertTarget],
				string(t.Stage),
				nullableID(t.GroupID),
				t.Name,
				t.ExternalID,
				string(t.Status),
				t.CommitSHA,
				t.Owner,
				t.ProjectName,
				t.Identifier,
				t.WebURL,
				t.LogsURL,
				t.Scratch,
				data,
				nullableTime(t.SubmittedAt),
				nullableTime(t.StartedAt),
				nullableTime(t.FinishedAt),
			).Scan(&t.ID, &t.SubmittedAt)
			if err != nil {
				return err
			}
		}

		return nil
	}))
}

func scanTarget(row pgx.Row) (*model.Target, error) {
	var t model.Target
	var stage, status string
	var groupID *int64
	var data []byte
	var startedAt, finishedAt *time.Time

	err := row.Scan(
		&t.ID,
		&stage,
		&groupID,
		&t.Name,
		&t.ExternalID,
		&status,
		&t.CommitSHA,
		&t.Owner,
		&t.ProjectName,
		&t.Identifier,
		&t.WebURL,
		&t.LogsURL,
		&t.Scratch,
		&data,
		&t.SubmittedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Stage = model.Stage(stage)
	t.Status = model.Status(status)

	if groupID != nil {
		t.GroupID = *groupID
	}

	if startedAt != nil {
		t.StartedAt = *startedAt
	}

	if finishedAt != nil {
		t.FinishedAt = *finishedAt
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.Data); err != nil {
			return nil, fmt.Errorf("unmarshaling data of target %d failed: %w", t.ID, err)
		}

		if len(t.Data) == 0 {
			t.Data = nil
		}
	}

	return &t, nil
}

func (s *Store) queryTargets(ctx context.Context, sql string, args ...interface{}) ([]*model.Target, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()

	var result []*model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, wrappedError(err)
		}

		result = append(result, t)
	}

	return result, wrappedError(rows.Err())
}

func (s *Store) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	t, err := scanTarget(s.db.QueryRow(ctx, statements[getTarget], id))
	if err != nil {
		return nil, wrappedError(err)
	}

	return t, nil
}

func (s *Store) GetTargetByExternalID(ctx context.Context, stage model.Stage, externalID, name string) (*model.Target, error) {
	if name != "" {
		t, err := scanTarget(s.db.QueryRow(ctx, statements[getTargetByExternalIDAndName], string(stage), externalID, name))
		if err != nil {
			return nil, wrappedError(err)
		}

		return t, nil
	}

	targets, err := s.ListTargetsByExternalID(ctx, stage, externalID)
	if err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("%s target %s: %w", stage, externalID, store.ErrNotFound)
	}

	return targets[0], nil
}

func (s *Store) ListTargetsByExternalID(ctx context.Context, stage model.Stage, externalID string) ([]*model.Target, error) {
	return s.queryTargets(ctx, statements[listTargetsByExternalID], string(stage), externalID)
}

func (s *Store) ListTargetsByGroup(ctx context.Context, groupID int64) ([]*model.Target, error) {
	return s.queryTargets(ctx, statements[listTargetsByGroup], groupID)
}

type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (s *Store) ListTargets(ctx context.Context, f *store.TargetFilter) ([]*model.Target, error) {
	var w whereBuilder

	if f.Stage != "" {
		w.add("stage = $%d", string(f.Stage))
	}
	if f.Name != "" {
		w.add("name = $%d", f.Name)
	}
	if f.Owner != "" {
		w.add("owner = $%d", f.Owner)
	}
	if f.ProjectName != "" {
		w.add("project_name = $%d", f.ProjectName)
	}
	if f.CommitSHA != "" {
		w.add("commit_sha = $%d", f.CommitSHA)
	}
	if f.HasExternalID {
		w.conds = append(w.conds, "external_id <> ''")
	}
	if !f.SubmittedBefore.IsZero() {
		w.add("submitted_at < $%d", f.SubmittedBefore)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		w.add("status = ANY($%d)", statuses)
	}
	if f.ProjectEventID != 0 {
		w.add(`group_id IN (
	SELECT g.id FROM target_groups g JOIN runs r ON r.id = g.run_id
	WHERE r.project_event_id = $%d)`, f.ProjectEventID)
	}

	return s.queryTargets(ctx, statements[listTargets]+w.String()+" "+targetsOrder, w.args...)
}

func (s *Store) CompareAndSetStatus(ctx context.Context, targetID int64, from, to model.Status) (bool, error) {
	tag, err := s.db.Exec(ctx, statements[compareAndSetStatus], targetID, string(from), string(to))
	if err != nil {
		return false, wrappedError(err)
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := s.GetTarget(ctx, targetID); err != nil {
		return false, err
	}

	return false, nil
}

func (s *Store) UpdateTarget(ctx context.Context, targetID int64, upd *store.TargetUpdate) error {
	var data []byte
	if upd.Data != nil {
		var err error
		data, err = json.Marshal(upd.Data)
		if err != nil {
			return fmt.Errorf("marshaling data failed: %w", err)
		}
	}

	tag, err := s.db.Exec(
		ctx,
		statements[updateTarget],
		targetID,
		upd.ExternalID,
		upd.WebURL,
		upd.LogsURL,
		upd.Owner,
		upd.ProjectName,
		upd.SubmittedAt,
		upd.StartedAt,
		upd.FinishedAt,
		data,
	)
	if err != nil {
		return wrappedError(err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %d: %w", targetID, store.ErrNotFound)
	}

	return nil
}

func (s *Store) LinkTargets(ctx context.Context, testTargetID, buildTargetID int64) error {
	_, err := s.db.Exec(ctx, statements[insertLink], testTargetID, buildTargetID)
	return wrappedError(err)
}

func (s *Store) ListLinkedBuilds(ctx context.Context, testTargetID int64) ([]*model.Target, error) {
	return s.queryTargets(ctx, statements[listLinkedBuilds], testTargetID)
}
