package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/homecert/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	UNIQUE (name COLLATE NOCASE, type)
);

CREATE TABLE IF NOT EXISTS metros (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS counties (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	state    TEXT NOT NULL,
	metro_id TEXT NOT NULL DEFAULT '',
	UNIQUE (name COLLATE NOCASE, state)
);

CREATE TABLE IF NOT EXISTS cities (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	state     TEXT NOT NULL,
	county_id TEXT NOT NULL DEFAULT '',
	UNIQUE (name COLLATE NOCASE, state)
);

CREATE TABLE IF NOT EXISTS communities (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE COLLATE NOCASE,
	city_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subdivisions (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	builder_id   TEXT NOT NULL,
	community_id TEXT NOT NULL DEFAULT '',
	city_id      TEXT NOT NULL DEFAULT '',
	UNIQUE (name COLLATE NOCASE, builder_id)
);

CREATE TABLE IF NOT EXISTS programs (
	id                 TEXT PRIMARY KEY,
	slug               TEXT NOT NULL UNIQUE COLLATE NOCASE,
	name               TEXT NOT NULL,
	start_date         DATETIME,
	close_date         DATETIME,
	requires_qa        INTEGER NOT NULL DEFAULT 0,
	requires_floorplan INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	program_id TEXT NOT NULL REFERENCES programs(id),
	slug       TEXT NOT NULL,
	text       TEXT NOT NULL,
	choices    TEXT NOT NULL DEFAULT '[]',
	required   INTEGER NOT NULL DEFAULT 0,
	position   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (program_id, slug)
);

CREATE TABLE IF NOT EXISTS floorplans (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	UNIQUE (name COLLATE NOCASE, owner_id)
);

CREATE TABLE IF NOT EXISTS homes (
	id             TEXT PRIMARY KEY,
	street         TEXT NOT NULL,
	city           TEXT NOT NULL,
	state          TEXT NOT NULL,
	zip            TEXT NOT NULL,
	address_key    TEXT NOT NULL UNIQUE,
	city_id        TEXT NOT NULL DEFAULT '',
	county_id      TEXT NOT NULL DEFAULT '',
	metro_id       TEXT NOT NULL DEFAULT '',
	subdivision_id TEXT NOT NULL DEFAULT '',
	builder_id     TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS home_statuses (
	id                 TEXT PRIMARY KEY,
	home_id            TEXT NOT NULL REFERENCES homes(id),
	program_id         TEXT NOT NULL REFERENCES programs(id),
	floorplan_id       TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	stage              TEXT NOT NULL DEFAULT '',
	pct_complete       REAL NOT NULL DEFAULT 0,
	certification_date DATETIME,
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (home_id, program_id)
);

CREATE TABLE IF NOT EXISTS answers (
	id          TEXT PRIMARY KEY,
	home_id     TEXT NOT NULL REFERENCES homes(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	value       TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	failing     INTEGER NOT NULL DEFAULT 0,
	confirmed   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (home_id, question_id, failing)
);

CREATE TABLE IF NOT EXISTS annotations (
	id         TEXT PRIMARY KEY,
	home_id    TEXT NOT NULL REFERENCES homes(id),
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (home_id, type)
);

CREATE TABLE IF NOT EXISTS sample_sets (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE COLLATE NOCASE,
	certification_date DATETIME,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sample_set_members (
	home_status_id  TEXT PRIMARY KEY REFERENCES home_statuses(id),
	sample_set_id   TEXT NOT NULL REFERENCES sample_sets(id),
	source_of_truth INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sample_set_members_set ON sample_set_members(sample_set_id);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	file       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_answers_home ON answers(home_id);
CREATE INDEX IF NOT EXISTS idx_annotations_home ON annotations(home_id);
CREATE INDEX IF NOT EXISTS idx_subdivisions_name ON subdivisions(name COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- References ---

func (s *SQLiteStore) FindOrganization(ctx context.Context, name, orgType string) (*model.Organization, error) {
	var o model.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type FROM organizations WHERE name = ? COLLATE NOCASE AND type = ?`,
		strings.TrimSpace(name), orgType,
	).Scan(&o.ID, &o.Name, &o.Type)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find organization %q", name)
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var o model.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type FROM organizations WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.Type)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: organization %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get organization %s", id)
	}
	return &o, nil
}

func (s *SQLiteStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	ensureID(&o.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, type) VALUES (?, ?, ?)`,
		o.ID, o.Name, o.Type,
	)
	return eris.Wrapf(err, "sqlite: insert organization %q", o.Name)
}

func (s *SQLiteStore) FindMetro(ctx context.Context, name string) (*model.MetroArea, error) {
	var m model.MetroArea
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM metros WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name),
	).Scan(&m.ID, &m.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find metro %q", name)
	}
	return &m, nil
}

func (s *SQLiteStore) CreateMetro(ctx context.Context, m *model.MetroArea) error {
	ensureID(&m.ID)
	_, err := s.db.ExecContext(ctx, `INSERT INTO metros (id, name) VALUES (?, ?)`, m.ID, m.Name)
	return eris.Wrapf(err, "sqlite: insert metro %q", m.Name)
}

func (s *SQLiteStore) FindCounty(ctx context.Context, name, state string) (*model.County, error) {
	c, err := scanCounty(s.db.QueryRowContext(ctx,
		`SELECT id, name, state, metro_id FROM counties WHERE name = ? COLLATE NOCASE AND state = ?`,
		strings.TrimSpace(name), state,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, eris.Wrapf(err, "sqlite: find county %q", name)
}

func (s *SQLiteStore) GetCounty(ctx context.Context, id string) (*model.County, error) {
	c, err := scanCounty(s.db.QueryRowContext(ctx,
		`SELECT id, name, state, metro_id FROM counties WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: county %s", id)
	}
	return c, eris.Wrapf(err, "sqlite: get county %s", id)
}

func (s *SQLiteStore) CreateCounty(ctx context.Context, c *model.County) error {
	ensureID(&c.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO counties (id, name, state, metro_id) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.State, c.MetroID,
	)
	return eris.Wrapf(err, "sqlite: insert county %q", c.Name)
}

func (s *SQLiteStore) FindCities(ctx context.Context, name, state string) ([]model.City, error) {
	query := `SELECT id, name, state, county_id FROM cities WHERE name = ? COLLATE NOCASE`
	args := []any{strings.TrimSpace(name)}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY state, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find cities %q", name)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.City
	for rows.Next() {
		var c model.City
		if err := rows.Scan(&c.ID, &c.Name, &c.State, &c.CountyID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan city")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find cities iterate")
}

func (s *SQLiteStore) GetCity(ctx context.Context, id string) (*model.City, error) {
	var c model.City
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, state, county_id FROM cities WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.State, &c.CountyID)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: city %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get city %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) CreateCity(ctx context.Context, c *model.City) error {
	ensureID(&c.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cities (id, name, state, county_id) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.State, c.CountyID,
	)
	return eris.Wrapf(err, "sqlite: insert city %q", c.Name)
}

func (s *SQLiteStore) FindCommunity(ctx context.Context, name string) (*model.Community, error) {
	var c model.Community
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, city_id FROM communities WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name),
	).Scan(&c.ID, &c.Name, &c.CityID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find community %q", name)
	}
	return &c, nil
}

func (s *SQLiteStore) GetCommunity(ctx context.Context, id string) (*model.Community, error) {
	var c model.Community
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, city_id FROM communities WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.CityID)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: community %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get community %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) CreateCommunity(ctx context.Context, c *model.Community) error {
	ensureID(&c.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO communities (id, name, city_id) VALUES (?, ?, ?)`, c.ID, c.Name, c.CityID,
	)
	return eris.Wrapf(err, "sqlite: insert community %q", c.Name)
}

func (s *SQLiteStore) FindSubdivisions(ctx context.Context, name string) ([]model.Subdivision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, builder_id, community_id, city_id FROM subdivisions
		 WHERE name = ? COLLATE NOCASE ORDER BY id`,
		strings.TrimSpace(name),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find subdivisions %q", name)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Subdivision
	for rows.Next() {
		var sd model.Subdivision
		if err := rows.Scan(&sd.ID, &sd.Name, &sd.BuilderID, &sd.CommunityID, &sd.CityID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subdivision")
		}
		out = append(out, sd)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find subdivisions iterate")
}

func (s *SQLiteStore) GetSubdivision(ctx context.Context, id string) (*model.Subdivision, error) {
	var sd model.Subdivision
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, builder_id, community_id, city_id FROM subdivisions WHERE id = ?`, id,
	).Scan(&sd.ID, &sd.Name, &sd.BuilderID, &sd.CommunityID, &sd.CityID)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: subdivision %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get subdivision %s", id)
	}
	return &sd, nil
}

func (s *SQLiteStore) CreateSubdivision(ctx context.Context, sd *model.Subdivision) error {
	ensureID(&sd.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subdivisions (id, name, builder_id, community_id, city_id) VALUES (?, ?, ?, ?, ?)`,
		sd.ID, sd.Name, sd.BuilderID, sd.CommunityID, sd.CityID,
	)
	return eris.Wrapf(err, "sqlite: insert subdivision %q", sd.Name)
}

const sqliteProgramColumns = `id, slug, name, start_date, close_date, requires_qa, requires_floorplan`

func (s *SQLiteStore) FindProgram(ctx context.Context, key string) (*model.Program, error) {
	key = strings.TrimSpace(key)
	p, err := scanProgram(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProgramColumns+` FROM programs
		 WHERE slug = ? COLLATE NOCASE OR name = ? COLLATE NOCASE
		 ORDER BY CASE WHEN slug = ? COLLATE NOCASE THEN 0 ELSE 1 END LIMIT 1`,
		key, key, key,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: find program %q", key)
}

func (s *SQLiteStore) GetProgram(ctx context.Context, id string) (*model.Program, error) {
	p, err := scanProgram(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProgramColumns+` FROM programs WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: program %s", id)
	}
	return p, eris.Wrapf(err, "sqlite: get program %s", id)
}

func (s *SQLiteStore) CreateProgram(ctx context.Context, p *model.Program) error {
	ensureID(&p.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO programs (`+sqliteProgramColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.Name, nullTime(p.StartDate), nullTime(p.CloseDate), p.RequiresQA, p.RequiresFloorplan,
	)
	return eris.Wrapf(err, "sqlite: insert program %q", p.Slug)
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, programID string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, program_id, slug, text, choices, required FROM questions
		 WHERE program_id = ? ORDER BY position, slug`,
		programID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list questions for %s", programID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Question
	for rows.Next() {
		var q model.Question
		var choices string
		if err := rows.Scan(&q.ID, &q.ProgramID, &q.Slug, &q.Text, &choices, &q.Required); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan question")
		}
		if err := json.Unmarshal([]byte(choices), &q.Choices); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal choices for %s", q.Slug)
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list questions iterate")
}

func (s *SQLiteStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	ensureID(&q.ID)
	choices, err := json.Marshal(choicesOrEmpty(q.Choices))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal choices")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO questions (id, program_id, slug, text, choices, required, position)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COUNT(*) FROM questions WHERE program_id = ?))`,
		q.ID, q.ProgramID, q.Slug, q.Text, string(choices), q.Required, q.ProgramID,
	)
	return eris.Wrapf(err, "sqlite: insert question %q", q.Slug)
}

func (s *SQLiteStore) FindFloorplan(ctx context.Context, name, ownerID string) (*model.Floorplan, error) {
	var f model.Floorplan
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id FROM floorplans WHERE name = ? COLLATE NOCASE AND owner_id = ?`,
		strings.TrimSpace(name), ownerID,
	).Scan(&f.ID, &f.Name, &f.OwnerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find floorplan %q", name)
	}
	return &f, nil
}

func (s *SQLiteStore) CreateFloorplan(ctx context.Context, f *model.Floorplan) error {
	ensureID(&f.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO floorplans (id, name, owner_id) VALUES (?, ?, ?)`, f.ID, f.Name, f.OwnerID,
	)
	return eris.Wrapf(err, "sqlite: insert floorplan %q", f.Name)
}

// --- Homes ---

const sqliteHomeColumns = `id, street, city, state, zip, city_id, county_id, metro_id, subdivision_id, builder_id, created_at`

func (s *SQLiteStore) FindHome(ctx context.Context, addr model.Address) (*model.Home, error) {
	h, err := scanHome(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteHomeColumns+` FROM homes WHERE address_key = ?`, addr.Key(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return h, eris.Wrap(err, "sqlite: find home")
}

func (s *SQLiteStore) GetHome(ctx context.Context, id string) (*model.Home, error) {
	h, err := scanHome(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteHomeColumns+` FROM homes WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: home %s", id)
	}
	return h, eris.Wrapf(err, "sqlite: get home %s", id)
}

func (s *SQLiteStore) CreateHome(ctx context.Context, h *model.Home) error {
	ensureID(&h.ID)
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO homes (id, street, city, state, zip, address_key, city_id, county_id, metro_id, subdivision_id, builder_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Address.Street, h.Address.City, h.Address.State, h.Address.Zip, h.Address.Key(),
		h.CityID, h.CountyID, h.MetroID, h.SubdivisionID, h.BuilderID, h.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert home")
}

func (s *SQLiteStore) UpdateHome(ctx context.Context, h *model.Home) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE homes SET city_id = ?, county_id = ?, metro_id = ?, subdivision_id = ?, builder_id = ? WHERE id = ?`,
		h.CityID, h.CountyID, h.MetroID, h.SubdivisionID, h.BuilderID, h.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update home %s", h.ID)
	}
	return checkRowsAffected(res, "home", h.ID)
}

const sqliteStatusColumns = `id, home_id, program_id, floorplan_id, state, stage, pct_complete, certification_date, updated_at`

func (s *SQLiteStore) GetHomeStatus(ctx context.Context, homeID, programID string) (*model.HomeStatus, error) {
	hs, err := scanHomeStatus(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStatusColumns+` FROM home_statuses WHERE home_id = ? AND program_id = ?`,
		homeID, programID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return hs, eris.Wrapf(err, "sqlite: get home status for %s", homeID)
}

func (s *SQLiteStore) GetHomeStatusByID(ctx context.Context, id string) (*model.HomeStatus, error) {
	hs, err := scanHomeStatus(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStatusColumns+` FROM home_statuses WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: home status %s", id)
	}
	return hs, eris.Wrapf(err, "sqlite: get home status %s", id)
}

func (s *SQLiteStore) CreateHomeStatus(ctx context.Context, hs *model.HomeStatus) error {
	ensureID(&hs.ID)
	hs.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO home_statuses (`+sqliteStatusColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hs.ID, hs.HomeID, hs.ProgramID, hs.FloorplanID, string(hs.State), string(hs.Stage),
		hs.PctComplete, nullTime(hs.CertificationDate), hs.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert home status for %s", hs.HomeID)
}

func (s *SQLiteStore) UpdateHomeStatus(ctx context.Context, hs *model.HomeStatus) error {
	hs.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE home_statuses SET floorplan_id = ?, state = ?, stage = ?, pct_complete = ?, updated_at = ?
		 WHERE id = ? AND certification_date IS NULL`,
		hs.FloorplanID, string(hs.State), string(hs.Stage), hs.PctComplete, hs.UpdatedAt, hs.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update home status %s", hs.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetHomeStatusByID(ctx, hs.ID)
	if err != nil {
		return err
	}
	if current.Certified() {
		return eris.Wrapf(ErrCertified, "sqlite: update home status %s", hs.ID)
	}
	return nil
}

func (s *SQLiteStore) CertifyHomeStatuses(ctx context.Context, ids []string, date time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin certify")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	total := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE home_statuses SET certification_date = ?, state = ?, updated_at = ?
			 WHERE id = ? AND certification_date IS NULL`,
			date, string(model.StateComplete), now, id,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: certify home status %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit certify")
	}
	return total, nil
}

func (s *SQLiteStore) ListAnswers(ctx context.Context, homeID string) ([]model.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, home_id, question_id, value, comment, failing, confirmed, created_at
		 FROM answers WHERE home_id = ? ORDER BY question_id, failing DESC`,
		homeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list answers for %s", homeID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.HomeID, &a.QuestionID, &a.Value, &a.Comment, &a.Failing, &a.Confirmed, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan answer")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list answers iterate")
}

func (s *SQLiteStore) ReplaceAnswers(ctx context.Context, homeID string, deleteIDs []string, create []model.Answer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace answers")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range deleteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE id = ? AND home_id = ?`, id, homeID); err != nil {
			return eris.Wrapf(err, "sqlite: delete answer %s", id)
		}
	}
	now := time.Now().UTC()
	for i := range create {
		a := &create[i]
		ensureID(&a.ID)
		a.HomeID = homeID
		a.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO answers (id, home_id, question_id, value, comment, failing, confirmed, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.HomeID, a.QuestionID, a.Value, a.Comment, a.Failing, a.Confirmed, a.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert answer for question %s", a.QuestionID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace answers")
}

func (s *SQLiteStore) ListAnnotations(ctx context.Context, homeID string) ([]model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, home_id, type, content, created_at FROM annotations WHERE home_id = ? ORDER BY type`,
		homeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list annotations for %s", homeID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Annotation
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.ID, &a.HomeID, &a.Type, &a.Content, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan annotation")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list annotations iterate")
}

func (s *SQLiteStore) ReplaceAnnotations(ctx context.Context, homeID string, deleteIDs []string, create []model.Annotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace annotations")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range deleteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id = ? AND home_id = ?`, id, homeID); err != nil {
			return eris.Wrapf(err, "sqlite: delete annotation %s", id)
		}
	}
	now := time.Now().UTC()
	for i := range create {
		a := &create[i]
		ensureID(&a.ID)
		a.HomeID = homeID
		a.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO annotations (id, home_id, type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			a.ID, a.HomeID, a.Type, a.Content, a.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert annotation %q", a.Type)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace annotations")
}

// --- Sample sets ---

func (s *SQLiteStore) FindSampleSet(ctx context.Context, name string) (*model.SampleSet, error) {
	ss, err := scanSampleSet(s.db.QueryRowContext(ctx,
		`SELECT id, name, certification_date, created_at FROM sample_sets WHERE name = ? COLLATE NOCASE`,
		strings.TrimSpace(name),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ss, eris.Wrapf(err, "sqlite: find sample set %q", name)
}

func (s *SQLiteStore) GetSampleSet(ctx context.Context, id string) (*model.SampleSet, error) {
	ss, err := scanSampleSet(s.db.QueryRowContext(ctx,
		`SELECT id, name, certification_date, created_at FROM sample_sets WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: sample set %s", id)
	}
	return ss, eris.Wrapf(err, "sqlite: get sample set %s", id)
}

func (s *SQLiteStore) CreateSampleSet(ctx context.Context, ss *model.SampleSet) error {
	ensureID(&ss.ID)
	ss.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sample_sets (id, name, certification_date, created_at) VALUES (?, ?, ?, ?)`,
		ss.ID, ss.Name, nullTime(ss.CertificationDate), ss.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert sample set %q", ss.Name)
}

func (s *SQLiteStore) ListSampleSetMembers(ctx context.Context, sampleSetID string) ([]model.SampleSetMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.sample_set_id, m.home_status_id, hs.home_id, m.source_of_truth,
		        h.subdivision_id, h.builder_id, h.metro_id, hs.certification_date
		 FROM sample_set_members m
		 JOIN home_statuses hs ON hs.id = m.home_status_id
		 JOIN homes h ON h.id = hs.home_id
		 WHERE m.sample_set_id = ?
		 ORDER BY m.created_at, m.home_status_id`,
		sampleSetID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list members of %s", sampleSetID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SampleSetMember
	for rows.Next() {
		var m model.SampleSetMember
		var certified sql.NullTime
		if err := rows.Scan(&m.SampleSetID, &m.HomeStatusID, &m.HomeID, &m.SourceOfTruth,
			&m.SubdivisionID, &m.BuilderID, &m.MetroID, &certified); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan member")
		}
		m.Certified = timePtr(certified)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list members iterate")
}

func (s *SQLiteStore) FindSampleSetMembership(ctx context.Context, homeStatusID string) (*model.SampleSetMember, error) {
	var m model.SampleSetMember
	err := s.db.QueryRowContext(ctx,
		`SELECT sample_set_id, home_status_id, source_of_truth FROM sample_set_members WHERE home_status_id = ?`,
		homeStatusID,
	).Scan(&m.SampleSetID, &m.HomeStatusID, &m.SourceOfTruth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find membership of %s", homeStatusID)
	}
	return &m, nil
}

func (s *SQLiteStore) AddSampleSetMember(ctx context.Context, m model.SampleSetMember) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sample_set_members (sample_set_id, home_status_id, source_of_truth, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (home_status_id) DO UPDATE SET
		   source_of_truth = excluded.source_of_truth
		 WHERE sample_set_members.sample_set_id = excluded.sample_set_id`,
		m.SampleSetID, m.HomeStatusID, m.SourceOfTruth, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add member %s to %s", m.HomeStatusID, m.SampleSetID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrOtherSampleSet, "sqlite: add member %s to %s", m.HomeStatusID, m.SampleSetID)
	}
	return nil
}

func (s *SQLiteStore) CertifySampleSet(ctx context.Context, id string, date time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sample_sets SET certification_date = ? WHERE id = ? AND certification_date IS NULL`,
		date, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: certify sample set %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetSampleSet(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrCertified, "sqlite: sample set %s", id)
	}
	return nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, file string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		File:      file,
		Status:    model.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	run.UpdatedAt = run.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, file, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.File, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.Summary) error {
	var summaryJSON sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal summary")
		}
		summaryJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(status), summaryJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, file, status, summary, created_at, updated_at FROM runs WHERE id = ?`, runID,
	))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return r, eris.Wrapf(err, "sqlite: get run %s", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, file, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCounty(row scannable) (*model.County, error) {
	var c model.County
	if err := row.Scan(&c.ID, &c.Name, &c.State, &c.MetroID); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanProgram(row scannable) (*model.Program, error) {
	var p model.Program
	var start, closeDate sql.NullTime
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &start, &closeDate, &p.RequiresQA, &p.RequiresFloorplan); err != nil {
		return nil, err
	}
	p.StartDate = timePtr(start)
	p.CloseDate = timePtr(closeDate)
	return &p, nil
}

func scanHome(row scannable) (*model.Home, error) {
	var h model.Home
	err := row.Scan(&h.ID, &h.Address.Street, &h.Address.City, &h.Address.State, &h.Address.Zip,
		&h.CityID, &h.CountyID, &h.MetroID, &h.SubdivisionID, &h.BuilderID, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func scanHomeStatus(row scannable) (*model.HomeStatus, error) {
	var hs model.HomeStatus
	var state, stage string
	var certified sql.NullTime
	err := row.Scan(&hs.ID, &hs.HomeID, &hs.ProgramID, &hs.FloorplanID, &state, &stage,
		&hs.PctComplete, &certified, &hs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	hs.State = model.HomeState(state)
	hs.Stage = model.ConstructionStage(stage)
	hs.CertificationDate = timePtr(certified)
	return &hs, nil
}

func scanSampleSet(row scannable) (*model.SampleSet, error) {
	var ss model.SampleSet
	var certified sql.NullTime
	if err := row.Scan(&ss.ID, &ss.Name, &certified, &ss.CreatedAt); err != nil {
		return nil, err
	}
	ss.CertificationDate = timePtr(certified)
	return &ss, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var summaryJSON sql.NullString
	if err := row.Scan(&r.ID, &r.File, &status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if summaryJSON.Valid && summaryJSON.String != "" {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func choicesOrEmpty(c []model.Choice) []model.Choice {
	if c == nil {
		return []model.Choice{}
	}
	return c
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
