package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/siteqa/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection so writes are serialized.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS lots (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	lot_number  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
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
	is_mandatory        INTEGER NOT NULL DEFAULT 0,
	order_index         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lot_assignments (
	id          TEXT PRIMARY KEY,
	lot_id      TEXT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
	template_id TEXT NOT NULL REFERENCES itp_templates(id),
	assigned_at DATETIME NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	removed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS conformance_records (
	id                 TEXT PRIMARY KEY,
	lot_id             TEXT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
	item_id            TEXT NOT NULL,
	template_id        TEXT NOT NULL,
	result_pass_fail   TEXT NOT NULL DEFAULT '',
	result_numeric     REAL,
	result_text        TEXT,
	comments           TEXT NOT NULL DEFAULT '',
	is_non_conformance INTEGER NOT NULL DEFAULT 0,
	corrective_action  TEXT,
	inspected_by       TEXT NOT NULL DEFAULT '',
	inspected_at       DATETIME NOT NULL,
	approved_by        TEXT NOT NULL DEFAULT '',
	approved_at        DATETIME,
	version            INTEGER NOT NULL DEFAULT 1,
	UNIQUE (lot_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_lots_project ON lots(project_id);
CREATE INDEX IF NOT EXISTS idx_itp_items_template ON itp_items(template_id, order_index);
CREATE INDEX IF NOT EXISTS idx_lot_assignments_lot ON lot_assignments(lot_id);
CREATE UNIQUE INDEX IF NOT EXISTS ux_lot_assignments_active ON lot_assignments(lot_id, template_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_conformance_lot_template ON conformance_records(lot_id, template_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Lots ---

func (s *SQLiteStore) CreateLot(ctx context.Context, lot *model.Lot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lots (id, project_id, lot_number, description, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.ProjectID, lot.LotNumber, lot.Description, string(lot.Status), lot.CreatedBy,
		lot.CreatedAt.UTC(), lot.UpdatedAt.UTC(),
	)
	if isSQLiteUnique(err) {
		return conflict("lot number %s already exists in project %s", lot.LotNumber, lot.ProjectID)
	}
	return eris.Wrap(err, "sqlite: insert lot")
}

const sqliteLotColumns = `id, project_id, lot_number, description, status, created_by, created_at, updated_at`

func (s *SQLiteStore) GetLot(ctx context.Context, lotID string) (*model.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLotColumns+` FROM lots WHERE id = ?`, lotID)
	l, err := scanLot(row)
	if err == sql.ErrNoRows {
		return nil, notFound("lot", lotID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lot %s", lotID)
	}
	return l, nil
}

func (s *SQLiteStore) ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error) {
	query := `SELECT ` + sqliteLotColumns + ` FROM lots WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lots")
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lot")
		}
		lots = append(lots, *l)
	}
	return lots, eris.Wrap(rows.Err(), "sqlite: list lots iterate")
}

func (s *SQLiteStore) DeleteLot(ctx context.Context, lotID string) error {
	return s.inTx(ctx, "delete lot", func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM conformance_records WHERE lot_id = ?`,
			`DELETE FROM lot_assignments WHERE lot_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, lotID); err != nil {
				return eris.Wrapf(err, "sqlite: cascade lot %s", lotID)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, lotID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete lot %s", lotID)
		}
		return checkRowsAffected(res, "lot", lotID)
	})
}

// --- Templates ---

func (s *SQLiteStore) SaveTemplate(ctx context.Context, tpl *model.Template) error {
	return s.inTx(ctx, "save template", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO itp_templates (id, organization_id, name, version, description) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET organization_id = excluded.organization_id, name = excluded.name,
			   version = excluded.version, description = excluded.description`,
			tpl.ID, tpl.OrganizationID, tpl.Name, tpl.Version, tpl.Description,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert template %s", tpl.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM itp_items WHERE template_id = ?`, tpl.ID); err != nil {
			return eris.Wrapf(err, "sqlite: clear items of template %s", tpl.ID)
		}
		for _, it := range tpl.Items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO itp_items (id, template_id, item_number, description, inspection_method,
				   acceptance_criteria, is_mandatory, order_index)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				it.ID, tpl.ID, it.ItemNumber, it.Description, string(it.InspectionMethod),
				it.AcceptanceCriteria, it.IsMandatory, it.OrderIndex,
			)
			if isSQLiteUnique(err) {
				return conflict("item %s already belongs to another template", it.ID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert item %s", it.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, templateID string) (*model.Template, error) {
	var t model.Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, version, description FROM itp_templates WHERE id = ?`,
		templateID,
	).Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Version, &t.Description)
	if err == sql.ErrNoRows {
		return nil, notFound("template", templateID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get template %s", templateID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template_id, item_number, description, inspection_method, acceptance_criteria,
		   is_mandatory, order_index
		 FROM itp_items WHERE template_id = ? ORDER BY order_index, item_number, id`,
		templateID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items of template %s", templateID)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.TemplateID, &it.ItemNumber, &it.Description, &it.InspectionMethod,
			&it.AcceptanceCriteria, &it.IsMandatory, &it.OrderIndex); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		t.Items = append(t.Items, it)
	}
	return &t, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, organizationID string) ([]model.Template, error) {
	query := `SELECT id, organization_id, name, version, description FROM itp_templates`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Version, &t.Description); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan template")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list templates iterate")
}

// --- Assignments ---

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lot_assignments (id, lot_id, template_id, assigned_at, active) VALUES (?, ?, ?, ?, 1)`,
		a.ID, a.LotID, a.TemplateID, a.AssignedAt.UTC(),
	)
	switch {
	case isSQLiteUnique(err):
		return conflict("template %s already active on lot %s", a.TemplateID, a.LotID)
	case isSQLiteForeignKey(err):
		return notFound("lot or template", a.LotID+"/"+a.TemplateID)
	}
	return eris.Wrap(err, "sqlite: insert assignment")
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, lotID string) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lot_id, template_id, assigned_at, active, removed_at
		 FROM lot_assignments WHERE lot_id = ? AND active = 1
		 ORDER BY assigned_at, id`,
		lotID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list assignments of lot %s", lotID)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var removedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.LotID, &a.TemplateID, &a.AssignedAt, &a.Active, &removedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		if removedAt.Valid {
			a.RemovedAt = &removedAt.Time
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assignments iterate")
}

func (s *SQLiteStore) DeactivateAssignment(ctx context.Context, assignmentID string, removedAt time.Time) (int, error) {
	var deleted int
	err := s.inTx(ctx, "deactivate assignment", func(tx *sql.Tx) error {
		var lotID, templateID string
		err := tx.QueryRowContext(ctx,
			`SELECT lot_id, template_id FROM lot_assignments WHERE id = ? AND active = 1`,
			assignmentID,
		).Scan(&lotID, &templateID)
		if err == sql.ErrNoRows {
			return notFound("assignment", assignmentID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: get assignment %s", assignmentID)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE lot_assignments SET active = 0, removed_at = ? WHERE id = ?`,
			removedAt.UTC(), assignmentID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: deactivate assignment %s", assignmentID)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM conformance_records WHERE lot_id = ? AND template_id = ?`,
			lotID, templateID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: cascade records of assignment %s", assignmentID)
		}
		n, err := res.RowsAffected()
		deleted = int(n)
		return eris.Wrap(err, "sqlite: rows affected")
	})
	return deleted, err
}

// --- Conformance records ---

const sqliteRecordColumns = `id, lot_id, item_id, template_id, result_pass_fail, result_numeric, result_text,
	comments, is_non_conformance, corrective_action, inspected_by, inspected_at, approved_by, approved_at, version`

func (s *SQLiteStore) GetRecord(ctx context.Context, lotID, itemID string) (*model.ConformanceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM conformance_records WHERE lot_id = ? AND item_id = ?`,
		lotID, itemID,
	)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, notFound("conformance record", lotID+"/"+itemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s/%s", lotID, itemID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, lotID string) ([]model.ConformanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM conformance_records WHERE lot_id = ? ORDER BY item_id`,
		lotID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records of lot %s", lotID)
	}
	defer rows.Close()

	var out []model.ConformanceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.ConformanceRecord, prevVersion int) error {
	if prevVersion == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO conformance_records (`+sqliteRecordColumns+`)
			 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			 WHERE EXISTS (`+sqliteActiveAssignment+`)`,
			rec.ID, rec.LotID, rec.ItemID, rec.TemplateID, string(rec.ResultPassFail), nullFloat(rec.ResultNumeric),
			nullString(rec.ResultText), rec.Comments, rec.IsNonConformance, nullString(rec.CorrectiveAction), rec.InspectedBy,
			rec.InspectedAt.UTC(), rec.ApprovedBy, utcPtr(rec.ApprovedAt), rec.Version,
			rec.LotID, rec.TemplateID,
		)
		switch {
		case isSQLiteUnique(err):
			return conflict("conformance record %s/%s already exists", rec.LotID, rec.ItemID)
		case isSQLiteForeignKey(err):
			return notFound("lot", rec.LotID)
		case err != nil:
			return eris.Wrap(err, "sqlite: insert record")
		}
		return s.checkRecordWrite(ctx, res, rec, prevVersion)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conformance_records SET result_pass_fail = ?, result_numeric = ?, result_text = ?, comments = ?,
		   is_non_conformance = ?, corrective_action = ?, inspected_by = ?, inspected_at = ?, approved_by = ?,
		   approved_at = ?, version = ?
		 WHERE lot_id = ? AND item_id = ? AND version = ? AND EXISTS (`+sqliteActiveAssignment+`)`,
		string(rec.ResultPassFail), nullFloat(rec.ResultNumeric), nullString(rec.ResultText), rec.Comments,
		rec.IsNonConformance, nullString(rec.CorrectiveAction), rec.InspectedBy, rec.InspectedAt.UTC(), rec.ApprovedBy, utcPtr(rec.ApprovedAt),
		rec.Version, rec.LotID, rec.ItemID, prevVersion,
		rec.LotID, rec.TemplateID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s/%s", rec.LotID, rec.ItemID)
	}
	return s.checkRecordWrite(ctx, res, rec, prevVersion)
}

// sqliteActiveAssignment guards record writes; it binds lot id then
// template id.
const sqliteActiveAssignment = `SELECT 1 FROM lot_assignments WHERE lot_id = ? AND template_id = ? AND active = 1`

// checkRecordWrite turns a conditional write that touched no row into
// ErrNotFound when the assignment is gone, else ErrConflict.
func (s *SQLiteStore) checkRecordWrite(ctx context.Context, res sql.Result, rec *model.ConformanceRecord, prevVersion int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}

	var active bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (`+sqliteActiveAssignment+`)`, rec.LotID, rec.TemplateID,
	).Scan(&active)
	if err != nil {
		return eris.Wrap(err, "sqlite: check assignment")
	}
	if !active {
		return notFound("active assignment", rec.LotID+"/"+rec.TemplateID)
	}
	return conflict("conformance record %s/%s is no longer at version %d", rec.LotID, rec.ItemID, prevVersion)
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", op)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLot(row scannable) (*model.Lot, error) {
	var l model.Lot
	err := row.Scan(&l.ID, &l.ProjectID, &l.LotNumber, &l.Description, &l.Status, &l.CreatedBy,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanRecord(row scannable) (*model.ConformanceRecord, error) {
	var (
		r          model.ConformanceRecord
		numeric    sql.NullFloat64
		text       sql.NullString
		corrective sql.NullString
		approvedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.LotID, &r.ItemID, &r.TemplateID, &r.ResultPassFail, &numeric, &text,
		&r.Comments, &r.IsNonConformance, &corrective, &r.InspectedBy, &r.InspectedAt, &r.ApprovedBy,
		&approvedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	if numeric.Valid {
		r.ResultNumeric = &numeric.Float64
	}
	if text.Valid {
		r.ResultText = &text.String
	}
	if corrective.Valid {
		r.CorrectiveAction = &corrective.String
	}
	if approvedAt.Valid {
		r.ApprovedAt = &approvedAt.Time
	}
	return &r, nil
}
