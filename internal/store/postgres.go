package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/homecert/internal/db"
	"github.com/sells-group/homecert/internal/model"
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

// NewPostgresWithPool wraps an existing pool. Close is a no-op.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_organizations_name ON organizations (lower(name), type);

CREATE TABLE IF NOT EXISTS metros (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_metros_name ON metros (lower(name));

CREATE TABLE IF NOT EXISTS counties (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	state    TEXT NOT NULL,
	metro_id TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_counties_name ON counties (lower(name), state);

CREATE TABLE IF NOT EXISTS cities (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	state     TEXT NOT NULL,
	county_id TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_cities_name ON cities (lower(name), state);

CREATE TABLE IF NOT EXISTS communities (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	city_id TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_communities_name ON communities (lower(name));

CREATE TABLE IF NOT EXISTS subdivisions (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	builder_id   TEXT NOT NULL,
	community_id TEXT NOT NULL DEFAULT '',
	city_id      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_subdivisions_name ON subdivisions (lower(name), builder_id);

CREATE TABLE IF NOT EXISTS programs (
	id                 TEXT PRIMARY KEY,
	slug               TEXT NOT NULL,
	name               TEXT NOT NULL,
	start_date         TIMESTAMPTZ,
	close_date         TIMESTAMPTZ,
	requires_qa        BOOLEAN NOT NULL DEFAULT false,
	requires_floorplan BOOLEAN NOT NULL DEFAULT false
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_programs_slug ON programs (lower(slug));

CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	program_id TEXT NOT NULL REFERENCES programs(id),
	slug       TEXT NOT NULL,
	text       TEXT NOT NULL,
	choices    JSONB NOT NULL DEFAULT '[]',
	required   BOOLEAN NOT NULL DEFAULT false,
	position   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (program_id, slug)
);

CREATE TABLE IF NOT EXISTS floorplans (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	owner_id TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_floorplans_name ON floorplans (lower(name), owner_id);

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
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS home_statuses (
	id                 TEXT PRIMARY KEY,
	home_id            TEXT NOT NULL REFERENCES homes(id),
	program_id         TEXT NOT NULL REFERENCES programs(id),
	floorplan_id       TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	stage              TEXT NOT NULL DEFAULT '',
	pct_complete       DOUBLE PRECISION NOT NULL DEFAULT 0,
	certification_date TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (home_id, program_id)
);

CREATE TABLE IF NOT EXISTS answers (
	id          TEXT PRIMARY KEY,
	home_id     TEXT NOT NULL REFERENCES homes(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	value       TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	failing     BOOLEAN NOT NULL DEFAULT false,
	confirmed   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (home_id, question_id, failing)
);
CREATE INDEX IF NOT EXISTS idx_answers_home ON answers(home_id);

CREATE TABLE IF NOT EXISTS annotations (
	id         TEXT PRIMARY KEY,
	home_id    TEXT NOT NULL REFERENCES homes(id),
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (home_id, type)
);

CREATE TABLE IF NOT EXISTS sample_sets (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	certification_date TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_sample_sets_name ON sample_sets (lower(name));

CREATE TABLE IF NOT EXISTS sample_set_members (
	home_status_id  TEXT PRIMARY KEY REFERENCES home_statuses(id),
	sample_set_id   TEXT NOT NULL REFERENCES sample_sets(id),
	source_of_truth BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sample_set_members_set ON sample_set_members(sample_set_id);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	file       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

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

// --- References ---

func (s *PostgresStore) FindOrganization(ctx context.Context, name, orgType string) (*model.Organization, error) {
	var o model.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type FROM organizations WHERE lower(name) = lower($1) AND type = $2`,
		strings.TrimSpace(name), orgType,
	).Scan(&o.ID, &o.Name, &o.Type)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find organization %q", name)
	}
	return &o, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var o model.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type FROM organizations WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Type)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: organization %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get organization %s", id)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	ensureID(&o.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, type) VALUES ($1, $2, $3)`,
		o.ID, o.Name, o.Type,
	)
	return eris.Wrapf(err, "postgres: insert organization %q", o.Name)
}

func (s *PostgresStore) FindMetro(ctx context.Context, name string) (*model.MetroArea, error) {
	var m model.MetroArea
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM metros WHERE lower(name) = lower($1)`, strings.TrimSpace(name),
	).Scan(&m.ID, &m.Name)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find metro %q", name)
	}
	return &m, nil
}

func (s *PostgresStore) CreateMetro(ctx context.Context, m *model.MetroArea) error {
	ensureID(&m.ID)
	_, err := s.pool.Exec(ctx, `INSERT INTO metros (id, name) VALUES ($1, $2)`, m.ID, m.Name)
	return eris.Wrapf(err, "postgres: insert metro %q", m.Name)
}

func (s *PostgresStore) FindCounty(ctx context.Context, name, state string) (*model.County, error) {
	c, err := scanCounty(s.pool.QueryRow(ctx,
		`SELECT id, name, state, metro_id FROM counties WHERE lower(name) = lower($1) AND state = $2`,
		strings.TrimSpace(name), state,
	))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return c, eris.Wrapf(err, "postgres: find county %q", name)
}

func (s *PostgresStore) GetCounty(ctx context.Context, id string) (*model.County, error) {
	c, err := scanCounty(s.pool.QueryRow(ctx,
		`SELECT id, name, state, metro_id FROM counties WHERE id = $1`, id,
	))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: county %s", id)
	}
	return c, eris.Wrapf(err, "postgres: get county %s", id)
}

func (s *PostgresStore) CreateCounty(ctx context.Context, c *model.County) error {
	ensureID(&c.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO counties (id, name, state, metro_id) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.State, c.MetroID,
	)
	return eris.Wrapf(err, "postgres: insert county %q", c.Name)
}

func (s *PostgresStore) FindCities(ctx context.Context, name, state string) ([]model.City, error) {
	query := `SELECT id, name, state, county_id FROM cities WHERE lower(name) = lower($1)`
	args := []any{strings.TrimSpace(name)}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY state, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find cities %q", name)
	}
	defer rows.Close()

	var out []model.City
	for rows.Next() {
		var c model.City
		if err := rows.Scan(&c.ID, &c.Name, &c.State, &c.CountyID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan city")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find cities iterate")
}

func (s *PostgresStore) GetCity(ctx context.Context, id string) (*model.City, error) {
	var c model.City
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, state, county_id FROM cities WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.State, &c.CountyID)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: city %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get city %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCity(ctx context.Context, c *model.City) error {
	ensureID(&c.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cities (id, name, state, county_id) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.State, c.CountyID,
	)
	return eris.Wrapf(err, "postgres: insert city %q", c.Name)
}

func (s *PostgresStore) FindCommunity(ctx context.Context, name string) (*model.Community, error) {
	var c model.Community
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, city_id FROM communities WHERE lower(name) = lower($1)`, strings.TrimSpace(name),
	).Scan(&c.ID, &c.Name, &c.CityID)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find community %q", name)
	}
	return &c, nil
}

func (s *PostgresStore) GetCommunity(ctx context.Context, id string) (*model.Community, error) {
	var c model.Community
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, city_id FROM communities WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CityID)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: community %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get community %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCommunity(ctx context.Context, c *model.Community) error {
	ensureID(&c.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO communities (id, name, city_id) VALUES ($1, $2, $3)`, c.ID, c.Name, c.CityID,
	)
	return eris.Wrapf(err, "postgres: insert community %q", c.Name)
}

func (s *PostgresStore) FindSubdivisions(ctx context.Context, name string) ([]model.Subdivision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, builder_id, community_id, city_id FROM subdivisions
		 WHERE lower(name) = lower($1) ORDER BY id`,
		strings.TrimSpace(name),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find subdivisions %q", name)
	}
	defer rows.Close()

	var out []model.Subdivision
	for rows.Next() {
		var sd model.Subdivision
		if err := rows.Scan(&sd.ID, &sd.Name, &sd.BuilderID, &sd.CommunityID, &sd.CityID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subdivision")
		}
		out = append(out, sd)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find subdivisions iterate")
}

func (s *PostgresStore) GetSubdivision(ctx context.Context, id string) (*model.Subdivision, error) {
	var sd model.Subdivision
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, builder_id, community_id, city_id FROM subdivisions WHERE id = $1`, id,
	).Scan(&sd.ID, &sd.Name, &sd.BuilderID, &sd.CommunityID, &sd.CityID)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: subdivision %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get subdivision %s", id)
	}
	return &sd, nil
}

func (s *PostgresStore) CreateSubdivision(ctx context.Context, sd *model.Subdivision) error {
	ensureID(&sd.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subdivisions (id, name, builder_id, community_id, city_id) VALUES ($1, $2, $3, $4, $5)`,
		sd.ID, sd.Name, sd.BuilderID, sd.CommunityID, sd.CityID,
	)
	return eris.Wrapf(err, "postgres: insert subdivision %q", sd.Name)
}

func (s *PostgresStore) FindProgram(ctx context.Context, key string) (*model.Program, error) {
	key = strings.TrimSpace(key)
	p, err := scanPgProgram(s.pool.QueryRow(ctx,
		`SELECT id, slug, name, start_date, close_date, requires_qa, requires_floorplan FROM programs
		 WHERE lower(slug) = lower($1) OR lower(name) = lower($1)
		 ORDER BY (lower(slug) = lower($1)) DESC LIMIT 1`,
		key,
	))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: find program %q", key)
}

func (s *PostgresStore) GetProgram(ctx context.Context, id string) (*model.Program, error) {
	p, err := scanPgProgram(s.pool.QueryRow(ctx,
		`SELECT id, slug, name, start_date, close_date, requires_qa, requires_floorplan FROM programs WHERE id = $1`, id,
	))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: program %s", id)
	}
	return p, eris.Wrapf(err, "postgres: get program %s", id)
}

func (s *PostgresStore) CreateProgram(ctx context.Context, p *model.Program) error {
	ensureID(&p.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO programs (id, slug, name, start_date, close_date, requires_qa, requires_floorplan)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Slug, p.Name, p.StartDate, p.CloseDate, p.RequiresQA, p.RequiresFloorplan,
	)
	return eris.Wrapf(err, "postgres: insert program %q", p.Slug)
}

func (s *PostgresStore) ListQuestions(ctx context.Context, programID string) ([]model.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, program_id, slug, text, choices, required FROM questions
		 WHERE program_id = $1 ORDER BY position, slug`,
		programID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list questions for %s", programID)
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		var q model.Question
		var choices []byte
		if err := rows.Scan(&q.ID, &q.ProgramID, &q.Slug, &q.Text, &choices, &q.Required); err != nil {
			return nil, eris.Wrap(err, "postgres: scan question")
		}
		if len(choices) > 0 {
			if err := json.Unmarshal(choices, &q.Choices); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal choices for %s", q.Slug)
			}
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list questions iterate")
}

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	ensureID(&q.ID)
	choices, err := json.Marshal(choicesOrEmpty(q.Choices))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal choices")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO questions (id, program_id, slug, text, choices, required, position)
		 VALUES ($1, $2, $3, $4, $5, $6, (SELECT COUNT(*) FROM questions WHERE program_id = $2))`,
		q.ID, q.ProgramID, q.Slug, q.Text, choices, q.Required,
	)
	return eris.Wrapf(err, "postgres: insert question %q", q.Slug)
}

func (s *PostgresStore) FindFloorplan(ctx context.Context, name, ownerID string) (*model.Floorplan, error) {
	var f model.Floorplan
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id FROM floorplans WHERE lower(name) = lower($1) AND owner_id = $2`,
		strings.TrimSpace(name), ownerID,
	).Scan(&f.ID, &f.Name, &f.OwnerID)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find floorplan %q", name)
	}
	return &f, nil
}

func (s *PostgresStore) CreateFloorplan(ctx context.Context, f *model.Floorplan) error {
	ensureID(&f.ID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO floorplans (id, name, owner_id) VALUES ($1, $2, $3)`, f.ID, f.Name, f.OwnerID,
	)
	return eris.Wrapf(err, "postgres: insert floorplan %q", f.Name)
}

// --- Homes ---

const pgHomeColumns = `id, street, city, state, zip, city_id, county_id, metro_id, subdivision_id, builder_id, created_at`

func (s *PostgresStore) FindHome(ctx context.Context, addr model.Address) (*model.Home, error) {
	h, err := scanHome(s.pool.QueryRow(ctx,
		`SELECT `+pgHomeColumns+` FROM homes WHERE address_key = $1`, addr.Key(),
	))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return h, eris.Wrap(err, "postgres: find home")
}

func (s *PostgresStore) GetHome(ctx context.Context, id string) (*model.Home, error) {
	h, err := scanHome(s.pool.QueryRow(ctx,
		`SELECT `+pgHomeColumns+` FROM homes WHERE id = $1`, id,
	))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: home %s", id)
	}
	return h, eris.Wrapf(err, "postgres: get home %s", id)
}

func (s *PostgresStore) CreateHome(ctx context.Context, h *model.Home) error {
	ensureID(&h.ID)
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO homes (id, street, city, state, zip, address_key, city_id, county_id, metro_id, subdivision_id, builder_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		h.ID, h.Address.Street, h.Address.City, h.Address.State, h.Address.Zip, h.Address.Key(),
		h.CityID, h.CountyID, h.MetroID, h.SubdivisionID, h.BuilderID, h.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert home")
}

func (s *PostgresStore) UpdateHome(ctx context.Context, h *model.Home) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE homes SET city_id = $1, county_id = $2, metro_id = $3, subdivision_id = $4, builder_id = $5 WHERE id = $6`,
		h.CityID, h.CountyID, h.MetroID, h.SubdivisionID, h.BuilderID, h.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update home %s", h.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "home %s", h.ID)
	}
	return nil
}

const pgStatusColumns = `id, home_id, program_id, floorplan_id, state, stage, pct_complete, certification_date, updated_at`

func (s *PostgresStore) GetHomeStatus(ctx context.Context, homeID, programID string) (*model.HomeStatus, error) {
	hs, err := scanPgHomeStatus(s.pool.QueryRow(ctx,
		`SELECT `+pgStatusColumns+` FROM home_statuses WHERE home_id = $1 AND program_id = $2`,
		homeID, programID,
	))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return hs, eris.Wrapf(err, "postgres: get home status for %s", homeID)
}

func (s *PostgresStore) GetHomeStatusByID(ctx context.Context, id string) (*model.HomeStatus, error) {
	hs, err := scanPgHomeStatus(s.pool.QueryRow(ctx,
		`SELECT `+pgStatusColumns+` FROM home_statuses WHERE id = $1`, id,
	))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: home status %s", id)
	}
	return hs, eris.Wrapf(err, "postgres: get home status %s", id)
}

func (s *PostgresStore) CreateHomeStatus(ctx context.Context, hs *model.HomeStatus) error {
	ensureID(&hs.ID)
	hs.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO home_statuses (`+pgStatusColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		hs.ID, hs.HomeID, hs.ProgramID, hs.FloorplanID, string(hs.State), string(hs.Stage),
		hs.PctComplete, hs.CertificationDate, hs.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert home status for %s", hs.HomeID)
}

func (s *PostgresStore) UpdateHomeStatus(ctx context.Context, hs *model.HomeStatus) error {
	hs.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE home_statuses SET floorplan_id = $1, state = $2, stage = $3, pct_complete = $4, updated_at = $5
		 WHERE id = $6 AND certification_date IS NULL`,
		hs.FloorplanID, string(hs.State), string(hs.Stage), hs.PctComplete, hs.UpdatedAt, hs.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update home status %s", hs.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var certified bool
	err = s.pool.QueryRow(ctx,
		`SELECT certification_date IS NOT NULL FROM home_statuses WHERE id = $1`, hs.ID,
	).Scan(&certified)
	if db.IsNoRows(err) {
		return eris.Wrapf(ErrNotFound, "postgres: home status %s", hs.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check home status %s", hs.ID)
	}
	if certified {
		return eris.Wrapf(ErrCertified, "postgres: update home status %s", hs.ID)
	}
	return nil
}

func (s *PostgresStore) CertifyHomeStatuses(ctx context.Context, ids []string, date time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE home_statuses SET certification_date = $1, state = $2, updated_at = now()
			 WHERE id = ANY($3) AND certification_date IS NULL`,
			date, string(model.StateComplete), ids,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: certify home statuses")
		}
		n = tag.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *PostgresStore) ListAnswers(ctx context.Context, homeID string) ([]model.Answer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, home_id, question_id, value, comment, failing, confirmed, created_at
		 FROM answers WHERE home_id = $1 ORDER BY question_id, failing DESC`,
		homeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list answers for %s", homeID)
	}
	defer rows.Close()

	var out []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.HomeID, &a.QuestionID, &a.Value, &a.Comment, &a.Failing, &a.Confirmed, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan answer")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list answers iterate")
}

var answerColumns = []string{"id", "home_id", "question_id", "value", "comment", "failing", "confirmed", "created_at"}

// ReplaceAnswers deletes by id and bulk-copies the new answers inside one
// transaction.
func (s *PostgresStore) ReplaceAnswers(ctx context.Context, homeID string, deleteIDs []string, create []model.Answer) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if len(deleteIDs) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM answers WHERE home_id = $1 AND id = ANY($2)`, homeID, deleteIDs,
			); err != nil {
				return eris.Wrapf(err, "postgres: delete answers for %s", homeID)
			}
		}
		now := time.Now().UTC()
		rows := make([][]any, 0, len(create))
		for i := range create {
			a := &create[i]
			ensureID(&a.ID)
			a.HomeID = homeID
			a.CreatedAt = now
			rows = append(rows, []any{a.ID, a.HomeID, a.QuestionID, a.Value, a.Comment, a.Failing, a.Confirmed, a.CreatedAt})
		}
		_, err := db.CopyFrom(ctx, tx, "answers", answerColumns, rows)
		return err
	})
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, homeID string) ([]model.Annotation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, home_id, type, content, created_at FROM annotations WHERE home_id = $1 ORDER BY type`,
		homeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list annotations for %s", homeID)
	}
	defer rows.Close()

	var out []model.Annotation
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.ID, &a.HomeID, &a.Type, &a.Content, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan annotation")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list annotations iterate")
}

func (s *PostgresStore) ReplaceAnnotations(ctx context.Context, homeID string, deleteIDs []string, create []model.Annotation) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if len(deleteIDs) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM annotations WHERE home_id = $1 AND id = ANY($2)`, homeID, deleteIDs,
			); err != nil {
				return eris.Wrapf(err, "postgres: delete annotations for %s", homeID)
			}
		}
		now := time.Now().UTC()
		for i := range create {
			a := &create[i]
			ensureID(&a.ID)
			a.HomeID = homeID
			a.CreatedAt = now
			if _, err := tx.Exec(ctx,
				`INSERT INTO annotations (id, home_id, type, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
				a.ID, a.HomeID, a.Type, a.Content, a.CreatedAt,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert annotation %q", a.Type)
			}
		}
		return nil
	})
}

// --- Sample sets ---

func (s *PostgresStore) FindSampleSet(ctx context.Context, name string) (*model.SampleSet, error) {
	ss, err := scanPgSampleSet(s.pool.QueryRow(ctx,
		`SELECT id, name, certification_date, created_at FROM sample_sets WHERE lower(name) = lower($1)`,
		strings.TrimSpace(name),
	))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return ss, eris.Wrapf(err, "postgres: find sample set %q", name)
}

func (s *PostgresStore) GetSampleSet(ctx context.Context, id string) (*model.SampleSet, error) {
	ss, err := scanPgSampleSet(s.pool.QueryRow(ctx,
		`SELECT id, name, certification_date, created_at FROM sample_sets WHERE id = $1`, id,
	))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: sample set %s", id)
	}
	return ss, eris.Wrapf(err, "postgres: get sample set %s", id)
}

func (s *PostgresStore) CreateSampleSet(ctx context.Context, ss *model.SampleSet) error {
	ensureID(&ss.ID)
	ss.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sample_sets (id, name, certification_date, created_at) VALUES ($1, $2, $3, $4)`,
		ss.ID, ss.Name, ss.CertificationDate, ss.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert sample set %q", ss.Name)
}

func (s *PostgresStore) ListSampleSetMembers(ctx context.Context, sampleSetID string) ([]model.SampleSetMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.sample_set_id, m.home_status_id, hs.home_id, m.source_of_truth,
		        h.subdivision_id, h.builder_id, h.metro_id, hs.certification_date
		 FROM sample_set_members m
		 JOIN home_statuses hs ON hs.id = m.home_status_id
		 JOIN homes h ON h.id = hs.home_id
		 WHERE m.sample_set_id = $1
		 ORDER BY m.created_at, m.home_status_id`,
		sampleSetID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list members of %s", sampleSetID)
	}
	defer rows.Close()

	var out []model.SampleSetMember
	for rows.Next() {
		var m model.SampleSetMember
		if err := rows.Scan(&m.SampleSetID, &m.HomeStatusID, &m.HomeID, &m.SourceOfTruth,
			&m.SubdivisionID, &m.BuilderID, &m.MetroID, &m.Certified); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list members iterate")
}

func (s *PostgresStore) FindSampleSetMembership(ctx context.Context, homeStatusID string) (*model.SampleSetMember, error) {
	var m model.SampleSetMember
	err := s.pool.QueryRow(ctx,
		`SELECT sample_set_id, home_status_id, source_of_truth FROM sample_set_members WHERE home_status_id = $1`,
		homeStatusID,
	).Scan(&m.SampleSetID, &m.HomeStatusID, &m.SourceOfTruth)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find membership of %s", homeStatusID)
	}
	return &m, nil
}

func (s *PostgresStore) AddSampleSetMember(ctx context.Context, m model.SampleSetMember) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sample_set_members (sample_set_id, home_status_id, source_of_truth)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (home_status_id) DO UPDATE SET
		   source_of_truth = EXCLUDED.source_of_truth
		 WHERE sample_set_members.sample_set_id = EXCLUDED.sample_set_id`,
		m.SampleSetID, m.HomeStatusID, m.SourceOfTruth,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add member %s to %s", m.HomeStatusID, m.SampleSetID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrOtherSampleSet, "postgres: add member %s to %s", m.HomeStatusID, m.SampleSetID)
	}
	return nil
}

func (s *PostgresStore) CertifySampleSet(ctx context.Context, id string, date time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sample_sets SET certification_date = $1 WHERE id = $2 AND certification_date IS NULL`,
		date, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: certify sample set %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrCertified, "postgres: sample set %s", id)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, file string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		File:      file,
		Status:    model.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	run.UpdatedAt = run.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, file, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.File, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.Summary) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal summary")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		string(status), summaryJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT id, file, status, summary, created_at, updated_at FROM runs WHERE id = $1`, runID,
	))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	return r, eris.Wrapf(err, "postgres: get run %s", runID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, file, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	argN := 0
	next := func() string {
		argN++
		return "$" + strconv.Itoa(argN)
	}

	if filter.Status != "" {
		query += ` AND status = ` + next()
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ` + next()
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ` + next()
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgProgram(row scannable) (*model.Program, error) {
	var p model.Program
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.StartDate, &p.CloseDate, &p.RequiresQA, &p.RequiresFloorplan); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPgHomeStatus(row scannable) (*model.HomeStatus, error) {
	var hs model.HomeStatus
	var state, stage string
	err := row.Scan(&hs.ID, &hs.HomeID, &hs.ProgramID, &hs.FloorplanID, &state, &stage,
		&hs.PctComplete, &hs.CertificationDate, &hs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	hs.State = model.HomeState(state)
	hs.Stage = model.ConstructionStage(stage)
	return &hs, nil
}

func scanPgSampleSet(row scannable) (*model.SampleSet, error) {
	var ss model.SampleSet
	if err := row.Scan(&ss.ID, &ss.Name, &ss.CertificationDate, &ss.CreatedAt); err != nil {
		return nil, err
	}
	return &ss, nil
}

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var summaryJSON []byte
	if err := row.Scan(&r.ID, &r.File, &status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(summaryJSON) > 0 {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}
