package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/siteqa/internal/db"
	"github.com/sells-group/siteqa/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lots (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	lot_number  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, lot_number)
);

CREATE TABLE IF NOT EXISTS itp_templates (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL,
	version         TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS itp_items (
	id                  TEXT PRIMARY KEY,
	template_id         TEXT NOT NULL REFERENCES itp_templates(id) ON DELETE CASCADE,
	item_number         TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	inspection_method   TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	is_mandatory        BOOLEAN NOT NULL DEFAULT false,
	order_index         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lot_assignments (
	id          TEXT PRIMARY KEY,
	lot_id      TEXT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
	template_id TEXT NOT NULL REFERENCES itp_templates(id),
	assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	active      BOOLEAN NOT NULL DEFAULT true,
	removed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS conformance_records (
	id                 TEXT PRIMARY KEY,
	lot_id             TEXT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
	item_id            TEXT NOT NULL,
	template_id        TEXT NOT NULL,
	result_pass_fail   TEXT NOT NULL DEFAULT '',
	result_numeric     DOUBLE PRECISION,
	result_text        TEXT,
	comments           TEXT NOT NULL DEFAULT '',
	is_non_conformance BOOLEAN NOT NULL DEFAULT false,
	corrective_action  TEXT,
	inspected_by       TEXT NOT NULL DEFAULT '',
	inspected_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	approved_by        TEXT NOT NULL DEFAULT '',
	approved_at        TIMESTAMPTZ,
	version            INTEGER NOT NULL DEFAULT 1,
	UNIQUE (lot_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_lots_project ON lots(project_id);
CREATE INDEX IF NOT EXISTS idx_itp_items_template ON itp_items(template_id, order_index);
CREATE INDEX IF NOT EXISTS idx_lot_assignments_lot ON lot_assignments(lot_id);
CREATE UNIQUE INDEX IF NOT EXISTS ux_lot_assignments_active ON lot_assignments(lot_id, template_id) WHERE active;
CREATE INDEX IF NOT EXISTS idx_conformance_lot_template ON conformance_records(lot_id, template_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Lots ---

func (s *PostgresStore) CreateLot(ctx context.Context, lot *model.Lot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lots (id, project_id, lot_number, description, status, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lot.ID, lot.ProjectID, lot.LotNumber, lot.Description, string(lot.Status), lot.CreatedBy,
		lot.CreatedAt, lot.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return conflict("lot number %s already exists in project %s", lot.LotNumber, lot.ProjectID)
	}
	return eris.Wrap(err, "postgres: insert lot")
}

const pgLotColumns = `id, project_id, lot_number, description, status, created_by, created_at, updated_at`

func (s *PostgresStore) GetLot(ctx context.Context, lotID string) (*model.Lot, error) {
	l, err := scanLot(s.pool.QueryRow(ctx, `SELECT `+pgLotColumns+` FROM lots WHERE id = $1`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("lot", lotID)
		}
		return nil, eris.Wrapf(err, "postgres: get lot %s", lotID)
	}
	return l, nil
}

func (s *PostgresStore) ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error) {
	query := `SELECT ` + pgLotColumns + ` FROM lots WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lots")
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lot")
		}
		lots = append(lots, *l)
	}
	return lots, eris.Wrap(rows.Err(), "postgres: list lots iterate")
}

func (s *PostgresStore) DeleteLot(ctx context.Context, lotID string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM conformance_records WHERE lot_id = $1`,
			`DELETE FROM lot_assignments WHERE lot_id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, lotID); err != nil {
				return eris.Wrapf(err, "postgres: cascade lot %s", lotID)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM lots WHERE id = $1`, lotID)
		if err != nil {
			return eris.Wrapf(err, "postgres: delete lot %s", lotID)
		}
		if tag.RowsAffected() == 0 {
			return notFound("lot", lotID)
		}
		return nil
	})
}

// --- Templates ---

var itemColumns = []string{
	"id", "template_id", "item_number", "description", "inspection_method",
	"acceptance_criteria", "is_mandatory", "order_index",
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, tpl *model.Template) error {
	ids := make([]string, len(tpl.Items))
	rows := make([][]any, len(tpl.Items))
	for i, it := range tpl.Items {
		ids[i] = it.ID
		rows[i] = []any{it.ID, tpl.ID, it.ItemNumber, it.Description, string(it.InspectionMethod),
			it.AcceptanceCriteria, it.IsMandatory, it.OrderIndex}
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO itp_templates (id, organization_id, name, version, description) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET organization_id = $2, name = $3, version = $4, description = $5`,
			tpl.ID, tpl.OrganizationID, tpl.Name, tpl.Version, tpl.Description,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert template %s", tpl.ID)
		}

		var owner string
		err = tx.QueryRow(ctx,
			`SELECT template_id FROM itp_items WHERE id = ANY($1) AND template_id <> $2 LIMIT 1`,
			ids, tpl.ID,
		).Scan(&owner)
		switch {
		case err == nil:
			return conflict("template %s reuses an item of template %s", tpl.ID, owner)
		case !errors.Is(err, pgx.ErrNoRows):
			return eris.Wrap(err, "postgres: check item ownership")
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM itp_items WHERE template_id = $1 AND NOT (id = ANY($2))`,
			tpl.ID, ids,
		); err != nil {
			return eris.Wrapf(err, "postgres: prune items of template %s", tpl.ID)
		}

		_, err = db.UpsertTx(ctx, tx, db.UpsertConfig{
			Table:        "itp_items",
			Columns:      itemColumns,
			ConflictKeys: []string{"id"},
		}, rows)
		return err
	})
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (*model.Template, error) {
	var t model.Template
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, version, description FROM itp_templates WHERE id = $1`,
		templateID,
	).Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Version, &t.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("template", templateID)
		}
		return nil, eris.Wrapf(err, "postgres: get template %s", templateID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, item_number, description, inspection_method, acceptance_criteria,
		   is_mandatory, order_index
		 FROM itp_items WHERE template_id = $1 ORDER BY order_index, item_number, id`,
		templateID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items of template %s", templateID)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.Item
		var method string
		if err := rows.Scan(&it.ID, &it.TemplateID, &it.ItemNumber, &it.Description, &method,
			&it.AcceptanceCriteria, &it.IsMandatory, &it.OrderIndex); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		it.InspectionMethod = model.InspectionMethod(method)
		t.Items = append(t.Items, it)
	}
	return &t, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) ListTemplates(ctx context.Context, organizationID string) ([]model.Template, error) {
	query := `SELECT id, organization_id, name, version, description FROM itp_templates`
	args := []any{}
	if organizationID != "" {
		query += ` WHERE organization_id = $1`
		args = append(args, organizationID)
	}
	query += ` ORDER BY name, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Version, &t.Description); err != nil {
			return nil, eris.Wrap(err, "postgres: scan template")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list templates iterate")
}

// --- Assignments ---

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lot_assignments (id, lot_id, template_id, assigned_at, active) VALUES ($1, $2, $3, $4, true)`,
		a.ID, a.LotID, a.TemplateID, a.AssignedAt,
	)
	switch {
	case db.IsUniqueViolation(err):
		return conflict("template %s already active on lot %s", a.TemplateID, a.LotID)
	case db.IsForeignKeyViolation(err):
		return notFound("lot or template", a.LotID+"/"+a.TemplateID)
	}
	return eris.Wrap(err, "postgres: insert assignment")
}

func (s *PostgresStore) ListAssignments(ctx context.Context, lotID string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lot_id, template_id, assigned_at, active, removed_at
		 FROM lot_assignments WHERE lot_id = $1 AND active
		 ORDER BY assigned_at, id`,
		lotID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list assignments of lot %s", lotID)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.LotID, &a.TemplateID, &a.AssignedAt, &a.Active, &a.RemovedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assignments iterate")
}

func (s *PostgresStore) DeactivateAssignment(ctx context.Context, assignmentID string, removedAt time.Time) (int, error) {
	var deleted int
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var lotID, templateID string
		err := tx.QueryRow(ctx,
			`UPDATE lot_assignments SET active = false, removed_at = $1
			 WHERE id = $2 AND active
			 RETURNING lot_id, template_id`,
			removedAt, assignmentID,
		).Scan(&lotID, &templateID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("assignment", assignmentID)
			}
			return eris.Wrapf(err, "postgres: deactivate assignment %s", assignmentID)
		}

		tag, err := tx.Exec(ctx,
			`DELETE FROM conformance_records WHERE lot_id = $1 AND template_id = $2`,
			lotID, templateID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: cascade records of assignment %s", assignmentID)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	return deleted, err
}

// --- Conformance records ---

const pgRecordColumns = `id, lot_id, item_id, template_id, result_pass_fail, result_numeric, result_text,
	comments, is_non_conformance, corrective_action, inspected_by, inspected_at, approved_by, approved_at, version`

func (s *PostgresStore) GetRecord(ctx context.Context, lotID, itemID string) (*model.ConformanceRecord, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM conformance_records WHERE lot_id = $1 AND item_id = $2`,
		lotID, itemID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("conformance record", lotID+"/"+itemID)
		}
		return nil, eris.Wrapf(err, "postgres: get record %s/%s", lotID, itemID)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, lotID string) ([]model.ConformanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM conformance_records WHERE lot_id = $1 ORDER BY item_id`,
		lotID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records of lot %s", lotID)
	}
	defer rows.Close()

	var out []model.ConformanceRecord
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *model.ConformanceRecord, prevVersion int) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		// The share lock holds DeactivateAssignment off until this write
		// commits, so its cascade sees the record.
		var assignmentID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM lot_assignments WHERE lot_id = $1 AND template_id = $2 AND active FOR SHARE`,
			rec.LotID, rec.TemplateID,
		).Scan(&assignmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("active assignment", rec.LotID+"/"+rec.TemplateID)
			}
			return eris.Wrap(err, "postgres: check assignment")
		}

		if prevVersion == 0 {
			_, err := tx.Exec(ctx,
				`INSERT INTO conformance_records (`+pgRecordColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				rec.ID, rec.LotID, rec.ItemID, rec.TemplateID, string(rec.ResultPassFail), rec.ResultNumeric,
				rec.ResultText, rec.Comments, rec.IsNonConformance, rec.CorrectiveAction, rec.InspectedBy,
				rec.InspectedAt, rec.ApprovedBy, rec.ApprovedAt, rec.Version,
			)
			switch {
			case db.IsUniqueViolation(err):
				return conflict("conformance record %s/%s already exists", rec.LotID, rec.ItemID)
			case db.IsForeignKeyViolation(err):
				return notFound("lot", rec.LotID)
			}
			return eris.Wrap(err, "postgres: insert record")
		}

		tag, err := tx.Exec(ctx,
			`UPDATE conformance_records SET result_pass_fail = $1, result_numeric = $2, result_text = $3,
			   comments = $4, is_non_conformance = $5, corrective_action = $6, inspected_by = $7,
			   inspected_at = $8, approved_by = $9, approved_at = $10, version = $11
			 WHERE lot_id = $12 AND item_id = $13 AND version = $14`,
			string(rec.ResultPassFail), rec.ResultNumeric, rec.ResultText, rec.Comments, rec.IsNonConformance,
			rec.CorrectiveAction, rec.InspectedBy, rec.InspectedAt, rec.ApprovedBy, rec.ApprovedAt,
			rec.Version, rec.LotID, rec.ItemID, prevVersion,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update record %s/%s", rec.LotID, rec.ItemID)
		}
		if tag.RowsAffected() == 0 {
			return conflict("conformance record %s/%s is no longer at version %d", rec.LotID, rec.ItemID, prevVersion)
		}
		return nil
	})
}

func scanPgRecord(row scannable) (*model.ConformanceRecord, error) {
	var r model.ConformanceRecord
	var result string
	err := row.Scan(&r.ID, &r.LotID, &r.ItemID, &r.TemplateID, &result, &r.ResultNumeric, &r.ResultText,
		&r.Comments, &r.IsNonConformance, &r.CorrectiveAction, &r.InspectedBy, &r.InspectedAt, &r.ApprovedBy,
		&r.ApprovedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.ResultPassFail = model.Result(result)
	return &r, nil
}
