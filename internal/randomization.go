package internal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/occams"
	"go.uber.org/zap"
)

// randomizationStore is the data access the randomization protocol needs.
type randomizationStore interface {
	// Enrollment returns the enrollment with its patient PID and its study.
	Enrollment(ctx context.Context, enrollmentID int64) (*occams.Enrollment, *occams.Study, error)
	// Allocation returns the stratum bound to the enrollment's patient in
	// its study, or nil.
	Allocation(ctx context.Context, enrollmentID int64) (*occams.Stratum, error)
	// CriteriaSchema returns the newest published version of the study's
	// randomization schema.
	CriteriaSchema(ctx context.Context, study *occams.Study) (*occams.Schema, error)
	// Claim binds the lowest-id unclaimed stratum whose criteria equal
	// criteria to the enrollment, or fails with a depleted error.
	Claim(ctx context.Context, enrollment *occams.Enrollment, study *occams.Study, criteria map[string]string) (*occams.Stratum, error)
	LoadStrata(ctx context.Context, studyID int64, rows []occams.StratumRow) (int, error)
}

// RandomizationService runs the challenge, enter, verify flow of an
// enrollment and performs the allocation claim.
type RandomizationService struct {
	store     randomizationStore
	sessions  sessionStore
	telemetry *Telemetry
	newProcID func() string
}

var _ occams.Randomizer = (*RandomizationService)(nil)

func NewRandomizationService(store randomizationStore, sessions sessionStore, telemetry *Telemetry) *RandomizationService {
	return &RandomizationService{
		store:     store,
		sessions:  sessions,
		telemetry: telemetry,
		newProcID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Step advances the flow by one request.
//
// A missing or mismatched procid issues a new token and restarts at the
// challenge stage; the caller is expected to redirect carrying it. A
// randomized enrollment always reports the complete stage and rejects
// submissions.
func (s *RandomizationService) Step(ctx context.Context, req occams.RandomizationRequest) (*occams.RandomizationResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	enrollment, study, err := s.store.Enrollment(ctx, req.EnrollmentID)
	if err != nil {
		return nil, err
	}
	allocation, err := s.store.Allocation(ctx, req.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if allocation != nil {
		if req.Submit {
			return nil, occams.NewConflictError(occams.ErrCodeAlreadyRandomized, "enrollment_id",
				fmt.Sprintf("enrollment %d is already randomized", req.EnrollmentID))
		}
		return &occams.RandomizationResult{ProcID: req.ProcID, Stage: occams.StageComplete, Allocation: allocation}, nil
	}
	if study.RandomizationSchema == "" {
		return nil, occams.NewValidationError("enrollment_id", fmt.Sprintf("study %s does not randomize", study.Name))
	}

	sess, found, err := s.sessions.Load(req.SessionID, req.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if req.ProcID == "" || !found || sess.ProcID != req.ProcID {
		return s.restart(req, found)
	}
	if !req.Submit {
		return &occams.RandomizationResult{ProcID: sess.ProcID, Stage: sess.Stage}, nil
	}

	switch sess.Stage {
	case occams.StageChallenge:
		return s.challenge(req, enrollment, sess)
	case occams.StageEnter:
		return s.enter(ctx, req, study, sess)
	case occams.StageVerify:
		return s.verify(ctx, req, enrollment, study, sess)
	}
	return nil, occams.NewInternalError(fmt.Sprintf("unknown randomization stage %q", sess.Stage), nil)
}

func (s *RandomizationService) restart(req occams.RandomizationRequest, found bool) (*occams.RandomizationResult, error) {
	if req.ProcID != "" {
		s.telemetry.RandomizationOutcome(outcomeRestart)
		zap.S().Warnw("randomization procid mismatch, restarting",
			"enrollment", req.EnrollmentID, "session", req.SessionID, "sessionFound", found)
	}
	sess := &randomizationSession{ProcID: s.newProcID(), Stage: occams.StageChallenge}
	if err := s.sessions.Save(req.SessionID, req.EnrollmentID, sess); err != nil {
		return nil, err
	}
	return &occams.RandomizationResult{ProcID: sess.ProcID, Stage: sess.Stage, Restarted: true}, nil
}

func (s *RandomizationService) challenge(req occams.RandomizationRequest, enrollment *occams.Enrollment, sess *randomizationSession) (*occams.RandomizationResult, error) {
	if strings.TrimSpace(req.Challenge) != enrollment.ChallengeAnswer() {
		sess.FormData = nil
		if err := s.sessions.Save(req.SessionID, req.EnrollmentID, sess); err != nil {
			return nil, err
		}
		s.telemetry.RandomizationOutcome(outcomeChallengeFailed)
		return nil, occams.NewValidationErrorCode(occams.ErrCodeChallengeFailed, "challenge",
			"answer does not match the enrollment")
	}
	return s.advance(req, sess, occams.StageEnter, nil)
}

func (s *RandomizationService) enter(ctx context.Context, req occams.RandomizationRequest, study *occams.Study, sess *randomizationSession) (*occams.RandomizationResult, error) {
	schema, err := s.store.CriteriaSchema(ctx, study)
	if err != nil {
		return nil, err
	}
	if _, err := parseCriteria(schema, req.Fields); err != nil {
		return nil, err
	}
	return s.advance(req, sess, occams.StageVerify, copyFields(req.Fields))
}

func (s *RandomizationService) verify(ctx context.Context, req occams.RandomizationRequest, enrollment *occams.Enrollment, study *occams.Study, sess *randomizationSession) (*occams.RandomizationResult, error) {
	if !sameFields(sess.FormData, req.Fields) {
		if _, err := s.advance(req, sess, occams.StageEnter, nil); err != nil {
			return nil, err
		}
		s.telemetry.RandomizationOutcome(outcomeMismatch)
		zap.S().Warnw("randomization verification mismatch", "enrollment", req.EnrollmentID)
		return nil, occams.NewValidationErrorCode(occams.ErrCodeVerifyMismatch, "fields",
			"entries differ from the first submission, enter them again")
	}

	stratum, err := s.store.Claim(ctx, enrollment, study, sess.FormData)
	if occams.IsDepletedError(err) {
		if _, saveErr := s.advance(req, sess, occams.StageEnter, nil); saveErr != nil {
			return nil, saveErr
		}
		s.telemetry.RandomizationOutcome(outcomeDepleted)
		zap.S().Warnw("randomization numbers depleted", "enrollment", req.EnrollmentID, "study", study.Name)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Clear(req.SessionID, req.EnrollmentID); err != nil {
		zap.S().Warnw("failed to clear randomization session", "enrollment", req.EnrollmentID, "error", err)
	}
	s.telemetry.RandomizationOutcome(outcomeAssigned)
	zap.S().Infow("enrollment randomized", "enrollment", enrollment.ID, "study", study.Name,
		"stratum", stratum.ID, "randid", stratum.RandID, "arm", stratum.ArmName)
	return &occams.RandomizationResult{ProcID: sess.ProcID, Stage: occams.StageComplete, Allocation: stratum}, nil
}

func (s *RandomizationService) advance(req occams.RandomizationRequest, sess *randomizationSession, stage occams.Stage, form map[string]string) (*occams.RandomizationResult, error) {
	sess.Stage = stage
	sess.FormData = form
	if err := s.sessions.Save(req.SessionID, req.EnrollmentID, sess); err != nil {
		return nil, err
	}
	return &occams.RandomizationResult{ProcID: sess.ProcID, Stage: stage}, nil
}

// IsRandomized reports whether the enrollment holds an allocation.
func (s *RandomizationService) IsRandomized(ctx context.Context, enrollmentID int64) (bool, error) {
	allocation, err := s.store.Allocation(ctx, enrollmentID)
	if err != nil {
		return false, err
	}
	return allocation != nil, nil
}

// Allocation returns the enrollment's stratum, or a not-found error when it
// is not randomized.
func (s *RandomizationService) Allocation(ctx context.Context, enrollmentID int64) (*occams.Stratum, error) {
	allocation, err := s.store.Allocation(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if allocation == nil {
		return nil, occams.NewNotFoundError(occams.ErrCodeEnrollmentNotFound, "allocation for enrollment", enrollmentID)
	}
	return allocation, nil
}

// LoadStrata creates pre-generated allocations for a study.
func (s *RandomizationService) LoadStrata(ctx context.Context, studyID int64, rows []occams.StratumRow) (int, error) {
	n, err := s.store.LoadStrata(ctx, studyID, rows)
	if err != nil {
		return 0, err
	}
	zap.S().Infow("strata loaded", "study", studyID, "count", n)
	return n, nil
}

// parseCriteria checks a criteria map against the randomization schema and
// returns the typed values keyed by attribute name. Every required
// attribute must be present and at least one criterion given; collections
// cannot be matched on.
func parseCriteria(schema *occams.Schema, fields map[string]string) (map[string]occams.Value, error) {
	values := make(map[string]occams.Value, len(fields))
	for _, name := range sortedKeys(fields) {
		attr := schema.Lookup(name)
		if attr == nil || attr.Type == occams.TypeSection {
			return nil, occams.NewValidationError(name, fmt.Sprintf("%q is not a criterion of %s", name, schema.Name))
		}
		if attr.IsCollection {
			return nil, occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, name, "collections cannot be randomization criteria")
		}
		v, err := occams.ParseValue(attr, fields[name])
		if err != nil {
			return nil, err
		}
		if err := checkValue(attr, v); err != nil {
			return nil, err
		}
		values[attr.Name] = v
	}
	var missing error
	schema.Walk(func(a *occams.Attribute) {
		if missing != nil || !a.IsRequired || a.Type == occams.TypeSection {
			return
		}
		if _, ok := values[a.Name]; !ok {
			missing = occams.NewValidationErrorCode(occams.ErrCodeRequiredMissing, a.Name, "is required")
		}
	})
	if missing != nil {
		return nil, missing
	}
	// An empty filter would match any stratum.
	if len(values) == 0 {
		return nil, occams.NewValidationErrorCode(occams.ErrCodeRequiredMissing, "criteria", "at least one criterion is required")
	}
	return values, nil
}

// criteriaFilter turns parsed criteria into an equality filter on the
// report columns of the randomization schema.
func criteriaFilter(criteria map[string]occams.Value) *occams.CompositeCondition {
	filter := &occams.CompositeCondition{Logic: occams.LogicAnd}
	for _, name := range sortedKeys(criteria) {
		filter.Conditions = append(filter.Conditions, occams.Equals(occams.NormalizeName(name), criteria[name].String()))
	}
	return filter
}

func sameFields(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// today is the collect date stamped on a claimed stratum entity.
func today() time.Time {
	return dateOnly(time.Now())
}
