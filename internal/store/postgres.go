package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/coreerr"
	"github.com/runforge/controlplane/pkg/models"
)

// PostgresStore is the DATA_DRIVER=postgres production Store. Compound
// operations (run materialisation, event sequence assignment, rollback)
// run inside SERIALIZABLE transactions and retry on serialization
// conflicts; the inbox guard relies on a primary-key INSERT ... ON
// CONFLICT DO NOTHING so the first-caller-wins guarantee holds across
// replicas sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	plan        JSONB NOT NULL,
	status      TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS steps (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	tool            TEXT NOT NULL,
	inputs          JSONB,
	outputs         JSONB,
	status          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	depends_on      JSONB,
	when_expr       TEXT NOT NULL DEFAULT '',
	gate_spec       JSONB,
	tools_allowed   JSONB,
	env_allowed     JSONB,
	secrets_scope   TEXT NOT NULL DEFAULT '',
	attempt         INT NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ,
	ended_at        TIMESTAMPTZ,
	created_seq     BIGSERIAL,
	UNIQUE (run_id, name)
);

CREATE TABLE IF NOT EXISTS events (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	sequence    BIGINT NOT NULL,
	type        TEXT NOT NULL,
	payload     JSONB,
	step_id     TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, sequence)
);

CREATE TABLE IF NOT EXISTS gates (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_id     TEXT NOT NULL DEFAULT '',
	gate_type   TEXT NOT NULL,
	status      TEXT NOT NULL,
	approved_by TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	UNIQUE (run_id, step_id, gate_type)
);

CREATE TABLE IF NOT EXISTS inbox_keys (
	key           TEXT PRIMARY KEY,
	first_seen_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore dials databaseURL, applies the schema, and returns the
// store. Schema application is idempotent so multiple replicas may race it.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, coreerr.NewTransient("postgres: failed to ping", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, coreerr.NewTransient("postgres: failed to apply schema", err)
	}
	log.Info().Msg("✅ PostgreSQL store initialized")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// serializable runs fn inside a SERIALIZABLE transaction, retrying on
// serialization failure (SQLSTATE 40001) up to three times.
func (s *PostgresStore) serializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return coreerr.NewTransient("postgres: serialization conflict persisted after retries", err)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// ── Run ──────────────────────────────────────────────────────

func (s *PostgresStore) CreateRun(ctx context.Context, plan models.Plan, projectID string) (*models.Run, []models.Step, error) {
	if err := validatePlan(plan); err != nil {
		return nil, nil, err
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, nil, coreerr.NewFatal("postgres: failed to marshal plan", err)
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Plan:      plan,
		Status:    models.RunQueued,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	steps := make([]models.Step, 0, len(plan.Steps))

	err = s.serializable(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, project_id, plan, status, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, '{}', $5, $5)`,
			run.ID, projectID, planJSON, run.Status, now); err != nil {
			return err
		}
		steps = steps[:0]
		for _, spec := range plan.Steps {
			step := models.Step{
				ID:           uuid.NewString(),
				RunID:        run.ID,
				Name:         spec.Name,
				Tool:         spec.Tool,
				Inputs:       spec.Inputs,
				Status:       models.StepQueued,
				DependsOn:    spec.DependsOn,
				When:         spec.When,
				Gate:         spec.Gate,
				ToolsAllowed: spec.ToolsAllowed,
				EnvAllowed:   spec.EnvAllowed,
				SecretsScope: spec.SecretsScope,
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO steps (id, run_id, name, tool, inputs, status, depends_on, when_expr, gate_spec, tools_allowed, env_allowed, secrets_scope)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				step.ID, step.RunID, step.Name, step.Tool, rawOrNil(step.Inputs), step.Status,
				jsonOrNil(step.DependsOn), step.When, jsonOrNil(step.Gate),
				jsonOrNil(step.ToolsAllowed), jsonOrNil(step.EnvAllowed), step.SecretsScope); err != nil {
				return err
			}
			steps = append(steps, step)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, plan, status, metadata, created_at, updated_at FROM runs WHERE id = $1`, runID)
	return scanRun(row, runID)
}

func scanRun(row pgx.Row, runID string) (*models.Run, error) {
	var run models.Run
	var planJSON, metaJSON []byte
	err := row.Scan(&run.ID, &run.ProjectID, &planJSON, &run.Status, &metaJSON, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.NewNotFound("run", runID)
	}
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to scan run", err)
	}
	if err := json.Unmarshal(planJSON, &run.Plan); err != nil {
		return nil, coreerr.NewFatal("postgres: corrupt plan document", err)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &run.Metadata)
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, plan, status, metadata, created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to list runs", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, patch models.RunPatch) (*models.Run, error) {
	var updated *models.Run
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT id, project_id, plan, status, metadata, created_at, updated_at FROM runs WHERE id = $1 FOR UPDATE`, runID), runID)
		if err != nil {
			return err
		}
		if patch.Status != nil {
			if run.Status.Terminal() && *patch.Status != run.Status {
				return coreerr.NewInvalidTransition("run " + runID + " is terminal: " + string(run.Status))
			}
			run.Status = *patch.Status
		}
		if run.Metadata == nil {
			run.Metadata = map[string]string{}
		}
		for k, v := range patch.Metadata {
			run.Metadata[k] = v
		}
		run.UpdatedAt = time.Now().UTC()
		metaJSON, _ := json.Marshal(run.Metadata)
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $2, metadata = $3, updated_at = $4 WHERE id = $1`,
			runID, run.Status, metaJSON, run.UpdatedAt); err != nil {
			return err
		}
		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return coreerr.NewTransient("postgres: failed to delete run", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.NewNotFound("run", runID)
	}
	return nil
}

func (s *PostgresStore) ListRunsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, plan, status, metadata, created_at, updated_at
		 FROM runs
		 WHERE created_at < $1 AND status IN ('succeeded', 'failed', 'cancelled')
		 ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to list expired runs", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ── Step ─────────────────────────────────────────────────────

const stepColumns = `id, run_id, name, tool, inputs, outputs, status, idempotency_key,
	depends_on, when_expr, gate_spec, tools_allowed, env_allowed, secrets_scope,
	attempt, started_at, ended_at`

func (s *PostgresStore) CreateStep(ctx context.Context, runID, name, tool string, inputs []byte, idempotencyKey string) (*models.Step, bool, error) {
	id := uuid.NewString()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, name, tool, inputs, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id, name) DO NOTHING`,
		id, runID, name, tool, rawOrNil(inputs), models.StepQueued, idempotencyKey)
	if err != nil {
		return nil, false, coreerr.NewTransient("postgres: failed to create step", err)
	}
	created := tag.RowsAffected() == 1
	step, err := s.GetStepByName(ctx, runID, name)
	if err != nil {
		return nil, false, err
	}
	return step, created, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, stepID string) (*models.Step, error) {
	return scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = $1`, stepID), stepID)
}

func (s *PostgresStore) GetStepByName(ctx context.Context, runID, name string) (*models.Step, error) {
	return scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 AND name = $2`, runID, name), name)
}

func scanStep(row pgx.Row, key string) (*models.Step, error) {
	var step models.Step
	var dependsOn, gateSpec, toolsAllowed, envAllowed []byte
	err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &step.Inputs, &step.Outputs,
		&step.Status, &step.IdempotencyKey, &dependsOn, &step.When, &gateSpec,
		&toolsAllowed, &envAllowed, &step.SecretsScope, &step.Attempt, &step.StartedAt, &step.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.NewNotFound("step", key)
	}
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to scan step", err)
	}
	unmarshalInto(dependsOn, &step.DependsOn)
	unmarshalInto(gateSpec, &step.Gate)
	unmarshalInto(toolsAllowed, &step.ToolsAllowed)
	unmarshalInto(envAllowed, &step.EnvAllowed)
	return &step, nil
}

func (s *PostgresStore) ListStepsByRun(ctx context.Context, runID string) ([]models.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY created_seq ASC`, runID)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to list steps", err)
	}
	defer rows.Close()

	var out []models.Step
	for rows.Next() {
		step, err := scanStep(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStep(ctx context.Context, stepID string, patch models.StepPatch) (*models.Step, error) {
	var updated *models.Step
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		step, err := scanStep(tx.QueryRow(ctx,
			`SELECT `+stepColumns+` FROM steps WHERE id = $1 FOR UPDATE`, stepID), stepID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if patch.Status != nil {
			if !models.CanTransitionStep(step.Status, *patch.Status) {
				return coreerr.NewInvalidTransition("step " + stepID + ": " + string(step.Status) + " -> " + string(*patch.Status))
			}
			if *patch.Status == models.StepRunning {
				step.StartedAt = &now
			}
			if patch.Status.Terminal() {
				step.EndedAt = &now
			}
			step.Status = *patch.Status
		}
		if patch.Outputs != nil {
			step.Outputs = patch.Outputs
		}
		if patch.Attempt != nil {
			step.Attempt = *patch.Attempt
		}
		if _, err := tx.Exec(ctx,
			`UPDATE steps SET status = $2, outputs = $3, attempt = $4, started_at = $5, ended_at = $6 WHERE id = $1`,
			stepID, step.Status, rawOrNil(step.Outputs), step.Attempt, step.StartedAt, step.EndedAt); err != nil {
			return err
		}
		updated = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ── Event ────────────────────────────────────────────────────

func (s *PostgresStore) RecordEvent(ctx context.Context, runID, eventType string, payload []byte, stepID string) (*models.Event, error) {
	ev := &models.Event{
		RunID:      runID,
		Type:       eventType,
		Payload:    payload,
		StepID:     stepID,
		OccurredAt: time.Now().UTC(),
	}
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return coreerr.NewNotFound("run", runID)
		}
		// Max-sequence read and insert share the transaction; under
		// contention the serializable retry loop resolves the race.
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = $1`, runID).Scan(&ev.Sequence); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO events (run_id, sequence, type, payload, step_id, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, ev.Sequence, eventType, rawOrNil(payload), stepID, ev.OccurredAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, sequence, type, payload, step_id, occurred_at
		 FROM events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence ASC`, runID, sinceSeq)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]models.Event, error) {
	var out []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Type, &ev.Payload, &ev.StepID, &ev.OccurredAt); err != nil {
			return nil, coreerr.NewTransient("postgres: failed to scan event", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SnapshotAt(ctx context.Context, runID string, sequence int64) (*models.Run, []models.Event, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, sequence, type, payload, step_id, occurred_at
		 FROM events WHERE run_id = $1 AND sequence <= $2 ORDER BY sequence ASC`, runID, sequence)
	if err != nil {
		return nil, nil, coreerr.NewTransient("postgres: failed to snapshot events", err)
	}
	defer rows.Close()
	evs, err := scanEvents(rows)
	if err != nil {
		return nil, nil, err
	}
	return run, evs, nil
}

func (s *PostgresStore) Rollback(ctx context.Context, runID string, sequence int64) (*models.Run, []models.Event, error) {
	var run *models.Run
	var evs []models.Event
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		loaded, err := scanRun(tx.QueryRow(ctx,
			`SELECT id, project_id, plan, status, metadata, created_at, updated_at FROM runs WHERE id = $1 FOR UPDATE`, runID), runID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM events WHERE run_id = $1 AND sequence > $2`, runID, sequence); err != nil {
			return err
		}
		// Renumber contiguously in case the kept prefix had gaps.
		if _, err := tx.Exec(ctx,
			`WITH renumbered AS (
				SELECT sequence, ROW_NUMBER() OVER (ORDER BY sequence) AS new_seq
				FROM events WHERE run_id = $1
			)
			UPDATE events SET sequence = renumbered.new_seq
			FROM renumbered
			WHERE events.run_id = $1 AND events.sequence = renumbered.sequence`, runID); err != nil {
			return err
		}

		if loaded.Metadata == nil {
			loaded.Metadata = map[string]string{}
		}
		loaded.Metadata["last_rollback_sequence"] = strconv.FormatInt(sequence, 10)
		loaded.UpdatedAt = time.Now().UTC()
		metaJSON, _ := json.Marshal(loaded.Metadata)
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET metadata = $2, updated_at = $3 WHERE id = $1`,
			runID, metaJSON, loaded.UpdatedAt); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT run_id, sequence, type, payload, step_id, occurred_at
			 FROM events WHERE run_id = $1 ORDER BY sequence ASC`, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		evs, err = scanEvents(rows)
		if err != nil {
			return err
		}
		run = loaded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return run, evs, nil
}

// ── Gate ─────────────────────────────────────────────────────

func (s *PostgresStore) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*models.Gate, bool, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO gates (id, run_id, step_id, gate_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, step_id, gate_type) DO NOTHING`,
		id, runID, stepID, gateType, models.GatePending, now)
	if err != nil {
		return nil, false, coreerr.NewTransient("postgres: failed to create gate", err)
	}
	created := tag.RowsAffected() == 1

	gate, err := scanGate(s.pool.QueryRow(ctx,
		`SELECT id, run_id, step_id, gate_type, status, approved_by, reason, created_at, resolved_at
		 FROM gates WHERE run_id = $1 AND step_id = $2 AND gate_type = $3`, runID, stepID, gateType), gateType)
	if err != nil {
		return nil, false, err
	}
	return gate, created, nil
}

func (s *PostgresStore) GetGate(ctx context.Context, gateID string) (*models.Gate, error) {
	return scanGate(s.pool.QueryRow(ctx,
		`SELECT id, run_id, step_id, gate_type, status, approved_by, reason, created_at, resolved_at
		 FROM gates WHERE id = $1`, gateID), gateID)
}

func scanGate(row pgx.Row, key string) (*models.Gate, error) {
	var g models.Gate
	err := row.Scan(&g.ID, &g.RunID, &g.StepID, &g.GateType, &g.Status, &g.ApprovedBy, &g.Reason, &g.CreatedAt, &g.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.NewNotFound("gate", key)
	}
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to scan gate", err)
	}
	return &g, nil
}

func (s *PostgresStore) ListGatesByRun(ctx context.Context, runID string) ([]models.Gate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, step_id, gate_type, status, approved_by, reason, created_at, resolved_at
		 FROM gates WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to list gates", err)
	}
	defer rows.Close()

	var out []models.Gate
	for rows.Next() {
		g, err := scanGate(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateGate(ctx context.Context, gateID string, patch models.GatePatch) (*models.Gate, error) {
	now := time.Now().UTC()
	// The status = 'pending' predicate makes the one-way transition atomic:
	// a concurrent
	// approve+waive race leaves exactly one winner.
	tag, err := s.pool.Exec(ctx,
		`UPDATE gates SET status = $2, approved_by = $3, reason = $4, resolved_at = $5
		 WHERE id = $1 AND status = 'pending'`,
		gateID, patch.Status, patch.ApprovedBy, patch.Reason, now)
	if err != nil {
		return nil, coreerr.NewTransient("postgres: failed to update gate", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetGate(ctx, gateID)
		if err != nil {
			return nil, err
		}
		return nil, coreerr.NewInvalidTransition("gate " + gateID + " is already " + string(existing.Status))
	}
	return s.GetGate(ctx, gateID)
}

// ── Inbox ────────────────────────────────────────────────────

func (s *PostgresStore) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO inbox_keys (key, first_seen_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC())
	if err != nil {
		return false, coreerr.NewTransient("postgres: inbox insert failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── helpers ──────────────────────────────────────────────────

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func jsonOrNil(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		if len(val) == 0 {
			return nil
		}
	case *models.GateSpec:
		if val == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalInto(raw []byte, target interface{}) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, target)
}
