package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/occams"
)

// PostgresRandomizationStore reads enrollments and strata and performs the
// claim of an allocation.
type PostgresRandomizationStore struct {
	pool        dbPool
	cache       *reportQueryCache
	lockTimeout time.Duration
	today       func() time.Time
}

var _ randomizationStore = (*PostgresRandomizationStore)(nil)

func NewPostgresRandomizationStore(pool dbPool, config *occams.Config) *PostgresRandomizationStore {
	return &PostgresRandomizationStore{
		pool:        pool,
		cache:       newReportQueryCache(config.Report.CacheSize),
		lockTimeout: config.Randomization.LockTimeout,
		today:       today,
	}
}

func (s *PostgresRandomizationStore) Enrollment(ctx context.Context, enrollmentID int64) (*occams.Enrollment, *occams.Study, error) {
	var en occams.Enrollment
	var st occams.Study
	err := s.pool.QueryRow(ctx, `SELECT en.id, en.patient_id, en.study_id, p.pid, COALESCE(en.reference_number, ''),
			s.id, s.name, s.title, COALESCE(s.randomization_schema, '')
		FROM enrollment en
		JOIN patient p ON p.id = en.patient_id
		JOIN study s ON s.id = en.study_id
		WHERE en.id = $1`, enrollmentID).
		Scan(&en.ID, &en.PatientID, &en.StudyID, &en.PID, &en.ReferenceNumber,
			&st.ID, &st.Name, &st.Title, &st.RandomizationSchema)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, occams.NewNotFoundError(occams.ErrCodeEnrollmentNotFound, "enrollment", enrollmentID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load enrollment: %w", err)
	}
	return &en, &st, nil
}

func (s *PostgresRandomizationStore) Allocation(ctx context.Context, enrollmentID int64) (*occams.Stratum, error) {
	return allocationOf(ctx, s.pool, enrollmentID)
}

// allocationOf returns the stratum claimed for the enrollment's patient in
// the enrollment's study, or nil.
func allocationOf(ctx context.Context, q querier, enrollmentID int64) (*occams.Stratum, error) {
	var st occams.Stratum
	err := q.QueryRow(ctx, `SELECT st.id, st.study_id, arm.name, st.block_number, st.randid, st.patient_id,
			COALESCE((SELECT min(c.entity_id) FROM context c WHERE c.external = 'stratum' AND c.key = st.id), 0)
		FROM stratum st
		JOIN arm ON arm.id = st.arm_id
		JOIN enrollment en ON en.patient_id = st.patient_id AND en.study_id = st.study_id
		WHERE en.id = $1`, enrollmentID).
		Scan(&st.ID, &st.StudyID, &st.ArmName, &st.BlockNumber, &st.RandID, &st.PatientID, &st.EntityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load allocation: %w", err)
	}
	return &st, nil
}

func (s *PostgresRandomizationStore) CriteriaSchema(ctx context.Context, study *occams.Study) (*occams.Schema, error) {
	return criteriaSchema(ctx, s.pool, study)
}

func criteriaSchema(ctx context.Context, q querier, study *occams.Study) (*occams.Schema, error) {
	if study.RandomizationSchema == "" {
		return nil, occams.NewValidationError("randomization_schema", fmt.Sprintf("study %s does not randomize", study.Name))
	}
	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM schema
		WHERE lower(name) = lower($1) AND publish_date IS NOT NULL
		ORDER BY publish_date DESC LIMIT 1`, study.RandomizationSchema).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, occams.NewNotFoundError(occams.ErrCodeSchemaNotFound, "published schema", study.RandomizationSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("find randomization schema: %w", err)
	}
	return loadSchema(ctx, q, id)
}

// claimQuery selects the lowest-id unclaimed stratum of a study whose
// criteria entity appears in the filtered report.
const claimQuery = `WITH report AS (
%s
)
SELECT st.id, st.study_id, arm.name, st.block_number, st.randid, report."id"
FROM report
JOIN context c ON c.entity_id = report."id" AND c.external = 'stratum'
JOIN stratum st ON st.id = c.key
JOIN arm ON arm.id = st.arm_id
WHERE st.study_id = $%d AND st.patient_id IS NULL
ORDER BY st.id
LIMIT 1
FOR UPDATE OF st`

// Claim runs match and bind in one transaction holding the study's
// advisory lock, so concurrent claims for a study are serialized and never
// read the same unclaimed row.
func (s *PostgresRandomizationStore) Claim(ctx context.Context, enrollment *occams.Enrollment, study *occams.Study, criteria map[string]string) (*occams.Stratum, error) {
	var claimed *occams.Stratum
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
				fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, study.ID); err != nil {
			return fmt.Errorf("lock study %d: %w", study.ID, err)
		}

		existing, err := allocationOf(ctx, tx, enrollment.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return occams.NewConflictError(occams.ErrCodeAlreadyRandomized, "enrollment_id",
				fmt.Sprintf("enrollment %d is already randomized", enrollment.ID))
		}

		schema, err := criteriaSchema(ctx, tx, study)
		if err != nil {
			return err
		}
		values, err := parseCriteria(schema, criteria)
		if err != nil {
			return err
		}
		dates, err := publishedVersionDates(ctx, tx, study.RandomizationSchema)
		if err != nil {
			return err
		}
		compiled, err := compileReport(ctx, tx, s.cache, occams.ReportRequest{
			SchemaName: study.RandomizationSchema,
			Versions:   dates,
			Filter:     criteriaFilter(values),
		})
		if err != nil {
			return err
		}
		if compiled.sql == "" {
			return occams.NewDepletedError(study.Name)
		}

		args := append(append([]any(nil), compiled.args...), study.ID)
		var st occams.Stratum
		err = tx.QueryRow(ctx, fmt.Sprintf(claimQuery, compiled.sql, len(args)), args...).
			Scan(&st.ID, &st.StudyID, &st.ArmName, &st.BlockNumber, &st.RandID, &st.EntityID)
		if errors.Is(err, pgx.ErrNoRows) {
			return occams.NewDepletedError(study.Name)
		}
		if err != nil {
			return fmt.Errorf("match stratum: %w", err)
		}

		tag, err := tx.Exec(ctx, `UPDATE stratum SET patient_id = $2 WHERE id = $1 AND patient_id IS NULL`,
			st.ID, enrollment.PatientID)
		if err != nil {
			return fmt.Errorf("claim stratum: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return occams.NewConflictError(occams.ErrCodeStratumClaimed, "stratum",
				fmt.Sprintf("stratum %d was claimed concurrently", st.ID))
		}
		if _, err := tx.Exec(ctx, `UPDATE entity SET state = $2, collect_date = $3, modify_date = now() WHERE id = $1`,
			st.EntityID, string(occams.StateComplete), s.today()); err != nil {
			return fmt.Errorf("complete stratum entity: %w", err)
		}
		if _, err := linkEntity(ctx, tx, occams.ExternalPatient, enrollment.PatientID, st.EntityID); err != nil {
			return err
		}
		if _, err := linkEntity(ctx, tx, occams.ExternalEnrollment, enrollment.ID, st.EntityID); err != nil {
			return err
		}
		patientID := enrollment.PatientID
		st.PatientID = &patientID
		claimed = &st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// LoadStrata inserts pre-generated allocations. Each row becomes a stratum
// plus an entity of the randomization schema holding the criteria values,
// linked through a stratum context. The whole load is one transaction.
func (s *PostgresRandomizationStore) LoadStrata(ctx context.Context, studyID int64, rows []occams.StratumRow) (int, error) {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var study occams.Study
		err := tx.QueryRow(ctx, `SELECT id, name, title, COALESCE(randomization_schema, '') FROM study WHERE id = $1`, studyID).
			Scan(&study.ID, &study.Name, &study.Title, &study.RandomizationSchema)
		if errors.Is(err, pgx.ErrNoRows) {
			return occams.NewNotFoundError(occams.ErrCodeStudyNotFound, "study", studyID)
		}
		if err != nil {
			return fmt.Errorf("load study: %w", err)
		}
		schema, err := criteriaSchema(ctx, tx, &study)
		if err != nil {
			return err
		}
		arms, err := studyArms(ctx, tx, studyID)
		if err != nil {
			return err
		}

		for i, row := range rows {
			field := fmt.Sprintf("rows[%d]", i)
			armID, ok := arms[row.ArmName]
			if !ok {
				return occams.NewValidationError(field+".arm_name", fmt.Sprintf("study %s has no arm %q", study.Name, row.ArmName))
			}
			if row.RandID == "" {
				return occams.NewValidationError(field+".randid", "is required")
			}
			values, err := parseCriteria(schema, row.Criteria)
			if err != nil {
				return err
			}

			var stratumID int64
			err = tx.QueryRow(ctx, `INSERT INTO stratum (study_id, arm_id, block_number, randid)
				VALUES ($1, $2, $3, $4) RETURNING id`, studyID, armID, row.BlockNumber, row.RandID).Scan(&stratumID)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return occams.NewConflictError(occams.ErrCodeDuplicateName, field+".randid",
					fmt.Sprintf("randid %q already exists in study %s", row.RandID, study.Name))
			}
			if err != nil {
				return fmt.Errorf("insert stratum: %w", err)
			}
			entity, err := createEntity(ctx, tx, schema.ID, occams.StatePendingEntry, nil)
			if err != nil {
				return err
			}
			if err := writeValues(ctx, tx, entity.ID, values); err != nil {
				return err
			}
			if _, err := linkEntity(ctx, tx, occams.ExternalStratum, stratumID, entity.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func studyArms(ctx context.Context, q querier, studyID int64) (map[string]int64, error) {
	rows, err := q.Query(ctx, `SELECT id, name FROM arm WHERE study_id = $1`, studyID)
	if err != nil {
		return nil, fmt.Errorf("query arms: %w", err)
	}
	defer rows.Close()
	arms := make(map[string]int64)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		arms[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arms: %w", err)
	}
	return arms, nil
}
