package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type ddlStatement struct {
	name string
	sql  string
}

// ddlStatements create every table the core reads and writes. Statements
// are idempotent so InitSchema can be re-run against an existing database.
var ddlStatements = buildDDL()

var baseDDL = []ddlStatement{
	{"site", `CREATE TABLE IF NOT EXISTS site (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		title       TEXT NOT NULL
	)`},
	{"patient", `CREATE TABLE IF NOT EXISTS patient (
		id          BIGSERIAL PRIMARY KEY,
		site_id     BIGINT NOT NULL REFERENCES site(id),
		pid         TEXT NOT NULL UNIQUE,
		create_date TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},
	{"study", `CREATE TABLE IF NOT EXISTS study (
		id                   BIGSERIAL PRIMARY KEY,
		name                 TEXT NOT NULL UNIQUE,
		title                TEXT NOT NULL,
		randomization_schema TEXT
	)`},
	{"arm", `CREATE TABLE IF NOT EXISTS arm (
		id       BIGSERIAL PRIMARY KEY,
		study_id BIGINT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
		name     TEXT NOT NULL,
		title    TEXT NOT NULL,
		UNIQUE (study_id, name)
	)`},
	{"enrollment", `CREATE TABLE IF NOT EXISTS enrollment (
		id               BIGSERIAL PRIMARY KEY,
		patient_id       BIGINT NOT NULL REFERENCES patient(id) ON DELETE CASCADE,
		study_id         BIGINT NOT NULL REFERENCES study(id),
		reference_number TEXT,
		consent_date     DATE,
		UNIQUE (patient_id, study_id)
	)`},
	{"cycle", `CREATE TABLE IF NOT EXISTS cycle (
		id       BIGSERIAL PRIMARY KEY,
		study_id BIGINT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
		name     TEXT NOT NULL,
		title    TEXT NOT NULL,
		week     INTEGER,
		UNIQUE (study_id, name)
	)`},
	{"visit", `CREATE TABLE IF NOT EXISTS visit (
		id         BIGSERIAL PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patient(id) ON DELETE CASCADE,
		visit_date DATE NOT NULL
	)`},
	{"visit_cycle", `CREATE TABLE IF NOT EXISTS visit_cycle (
		visit_id BIGINT NOT NULL REFERENCES visit(id) ON DELETE CASCADE,
		cycle_id BIGINT NOT NULL REFERENCES cycle(id) ON DELETE CASCADE,
		PRIMARY KEY (visit_id, cycle_id)
	)`},
	{"schema", `CREATE TABLE IF NOT EXISTS schema (
		id           BIGSERIAL PRIMARY KEY,
		name         TEXT NOT NULL,
		title        TEXT NOT NULL,
		description  TEXT,
		storage      TEXT NOT NULL DEFAULT 'eav' CHECK (storage IN ('eav', 'resource', 'table')),
		publish_date DATE,
		retract_date DATE,
		create_date  TIMESTAMPTZ NOT NULL DEFAULT now(),
		modify_date  TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT schema_retract_after_publish CHECK (
			retract_date IS NULL OR (publish_date IS NOT NULL AND retract_date >= publish_date)
		)
	)`},
	{"schema_name_publish_date_key", `CREATE UNIQUE INDEX IF NOT EXISTS schema_name_publish_date_key
		ON schema (lower(name), publish_date)`},
	{"attribute", `CREATE TABLE IF NOT EXISTS attribute (
		id                  BIGSERIAL PRIMARY KEY,
		schema_id           BIGINT NOT NULL REFERENCES schema(id) ON DELETE CASCADE,
		parent_attribute_id BIGINT REFERENCES attribute(id) ON DELETE CASCADE,
		name                TEXT NOT NULL,
		title               TEXT NOT NULL,
		description         TEXT,
		type                TEXT NOT NULL CHECK (type IN ('number', 'choice', 'date', 'datetime', 'string', 'text', 'section', 'blob')),
		is_collection       BOOLEAN NOT NULL DEFAULT false,
		is_required         BOOLEAN NOT NULL DEFAULT false,
		is_private          BOOLEAN NOT NULL DEFAULT false,
		is_readonly         BOOLEAN NOT NULL DEFAULT false,
		is_system           BOOLEAN NOT NULL DEFAULT false,
		is_shuffled         BOOLEAN NOT NULL DEFAULT false,
		widget              TEXT,
		value_min           DOUBLE PRECISION,
		value_max           DOUBLE PRECISION,
		collection_min      INTEGER,
		collection_max      INTEGER,
		pattern             TEXT,
		decimal_places      INTEGER,
		"order"             INTEGER NOT NULL,
		CONSTRAINT attribute_value_bounds CHECK (value_min IS NULL OR value_max IS NULL OR value_min < value_max),
		CONSTRAINT attribute_collection_bounds CHECK (collection_min IS NULL OR collection_max IS NULL OR collection_min < collection_max),
		CONSTRAINT attribute_schema_order_key UNIQUE (schema_id, "order") DEFERRABLE INITIALLY IMMEDIATE
	)`},
	{"attribute_schema_name_key", `CREATE UNIQUE INDEX IF NOT EXISTS attribute_schema_name_key
		ON attribute (schema_id, lower(name))`},
	{"choice", `CREATE TABLE IF NOT EXISTS choice (
		id           BIGSERIAL PRIMARY KEY,
		attribute_id BIGINT NOT NULL REFERENCES attribute(id) ON DELETE CASCADE,
		name         VARCHAR(8) NOT NULL,
		title        TEXT NOT NULL,
		"order"      INTEGER NOT NULL,
		CONSTRAINT choice_attribute_name_key UNIQUE (attribute_id, name),
		CONSTRAINT choice_attribute_order_key UNIQUE (attribute_id, "order") DEFERRABLE INITIALLY IMMEDIATE
	)`},
	{"entity", `CREATE TABLE IF NOT EXISTS entity (
		id           BIGSERIAL PRIMARY KEY,
		schema_id    BIGINT NOT NULL REFERENCES schema(id) ON DELETE RESTRICT,
		state        TEXT NOT NULL DEFAULT 'pending-entry',
		collect_date DATE,
		is_null      BOOLEAN NOT NULL DEFAULT false,
		create_date  TIMESTAMPTZ NOT NULL DEFAULT now(),
		create_user  TEXT,
		modify_date  TIMESTAMPTZ NOT NULL DEFAULT now(),
		modify_user  TEXT
	)`},
	{"context", `CREATE TABLE IF NOT EXISTS context (
		id        BIGSERIAL PRIMARY KEY,
		external  TEXT NOT NULL,
		key       BIGINT NOT NULL,
		entity_id BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
		UNIQUE (external, key, entity_id)
	)`},
	{"context_entity_idx", `CREATE INDEX IF NOT EXISTS context_entity_idx ON context (entity_id)`},
	{"stratum", `CREATE TABLE IF NOT EXISTS stratum (
		id           BIGSERIAL PRIMARY KEY,
		study_id     BIGINT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
		arm_id       BIGINT NOT NULL REFERENCES arm(id),
		block_number INTEGER NOT NULL,
		randid       TEXT NOT NULL,
		patient_id   BIGINT REFERENCES patient(id),
		UNIQUE (study_id, randid)
	)`},
	{"stratum_unclaimed_idx", `CREATE INDEX IF NOT EXISTS stratum_unclaimed_idx
		ON stratum (study_id, id) WHERE patient_id IS NULL`},
}

var valueTables = []struct {
	table   string
	columns string
}{
	{"value_decimal", "value NUMERIC NOT NULL"},
	{"value_string", "value TEXT NOT NULL"},
	{"value_text", "value TEXT NOT NULL"},
	{"value_datetime", "value TIMESTAMPTZ NOT NULL"},
	{"value_blob", "file_name TEXT NOT NULL, mime_type TEXT, value BYTEA NOT NULL"},
	{"value_choice", "value BIGINT NOT NULL REFERENCES choice(id) ON DELETE RESTRICT"},
}

func buildDDL() []ddlStatement {
	out := append([]ddlStatement(nil), baseDDL...)
	for _, vt := range valueTables {
		out = append(out, valueTableDDL(vt.table, vt.columns)...)
	}
	return out
}

func valueTableDDL(table, columns string) []ddlStatement {
	return []ddlStatement{
		{table, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id           BIGSERIAL PRIMARY KEY,
		entity_id    BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
		attribute_id BIGINT NOT NULL REFERENCES attribute(id) ON DELETE RESTRICT,
		%s
	)`, table, columns)},
		{table + "_entity_attribute_idx", fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %[1]s_entity_attribute_idx ON %[1]s (entity_id, attribute_id)`, table)},
	}
}

// InitSchema creates all tables and indexes in a single transaction.
func InitSchema(ctx context.Context, pool dbPool) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range ddlStatements {
			if _, err := tx.Exec(ctx, stmt.sql); err != nil {
				return fmt.Errorf("ensure %s: %w", stmt.name, err)
			}
			zap.S().Debugw("ensured ddl object", "name", stmt.name)
		}
		return nil
	})
}
