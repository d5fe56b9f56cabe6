package internal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRandomizationStore struct {
	enrollment *occams.Enrollment
	study      *occams.Study
	schema     *occams.Schema
	allocation *occams.Stratum
	claimErr   error
	claims     []map[string]string
	loaded     []occams.StratumRow
}

func (f *fakeRandomizationStore) Enrollment(_ context.Context, id int64) (*occams.Enrollment, *occams.Study, error) {
	if f.enrollment == nil || f.enrollment.ID != id {
		return nil, nil, occams.NewNotFoundError(occams.ErrCodeEnrollmentNotFound, "enrollment", id)
	}
	return f.enrollment, f.study, nil
}

func (f *fakeRandomizationStore) Allocation(context.Context, int64) (*occams.Stratum, error) {
	return f.allocation, nil
}

func (f *fakeRandomizationStore) CriteriaSchema(context.Context, *occams.Study) (*occams.Schema, error) {
	return f.schema, nil
}

func (f *fakeRandomizationStore) Claim(_ context.Context, en *occams.Enrollment, st *occams.Study, criteria map[string]string) (*occams.Stratum, error) {
	f.claims = append(f.claims, copyFields(criteria))
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	patientID := en.PatientID
	f.allocation = &occams.Stratum{ID: 3, StudyID: st.ID, ArmName: "active", BlockNumber: 1, RandID: "R003", PatientID: &patientID, EntityID: 30}
	return f.allocation, nil
}

func (f *fakeRandomizationStore) LoadStrata(_ context.Context, _ int64, rows []occams.StratumRow) (int, error) {
	f.loaded = append(f.loaded, rows...)
	return len(rows), nil
}

func criteriaTestSchema() *occams.Schema {
	sex := testAttr(1, "sex", occams.TypeChoice, 0, nil)
	sex.IsRequired = true
	sex.Choices = []*occams.Choice{
		{ID: 10, AttributeID: 1, Name: "0", Title: "Female"},
		{ID: 11, AttributeID: 1, Name: "1", Title: "Male"},
	}
	age := testAttr(2, "age", occams.TypeNumber, 1, nil)
	tags := testAttr(3, "tags", occams.TypeString, 2, nil)
	tags.IsCollection = true
	return &occams.Schema{ID: 1, Name: "criteria", Title: "Criteria", Storage: occams.StorageEAV,
		Attributes: []*occams.Attribute{sex, age, tags}}
}

type randomizationFixture struct {
	svc      *RandomizationService
	store    *fakeRandomizationStore
	sessions *BuntSessionStore
}

func newRandomizationFixture(t *testing.T) *randomizationFixture {
	t.Helper()
	sessions, err := NewBuntSessionStore(":memory:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	store := &fakeRandomizationStore{
		enrollment: &occams.Enrollment{ID: 7, PatientID: 70, StudyID: 1, PID: "P007"},
		study:      &occams.Study{ID: 1, Name: "aeh", Title: "AEH", RandomizationSchema: "criteria"},
		schema:     criteriaTestSchema(),
	}
	svc := NewRandomizationService(store, sessions, nil)
	n := 0
	svc.newProcID = func() string {
		n++
		return fmt.Sprintf("proc-%d", n)
	}
	return &randomizationFixture{svc: svc, store: store, sessions: sessions}
}

func (f *randomizationFixture) step(t *testing.T, req occams.RandomizationRequest) (*occams.RandomizationResult, error) {
	t.Helper()
	req.SessionID = "s1"
	req.EnrollmentID = 7
	return f.svc.Step(context.Background(), req)
}

// toVerify walks a fresh session through challenge and enter.
func (f *randomizationFixture) toVerify(t *testing.T, fields map[string]string) string {
	t.Helper()
	res, err := f.step(t, occams.RandomizationRequest{})
	require.NoError(t, err)
	procID := res.ProcID
	res, err = f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Challenge: "P007"})
	require.NoError(t, err)
	require.Equal(t, occams.StageEnter, res.Stage)
	res, err = f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: fields})
	require.NoError(t, err)
	require.Equal(t, occams.StageVerify, res.Stage)
	return procID
}

func TestStepWithoutProcIDStartsChallenge(t *testing.T) {
	f := newRandomizationFixture(t)

	res, err := f.step(t, occams.RandomizationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "proc-1", res.ProcID)
	assert.Equal(t, occams.StageChallenge, res.Stage)
	assert.True(t, res.Restarted)

	res, err = f.step(t, occams.RandomizationRequest{ProcID: "proc-1"})
	require.NoError(t, err)
	assert.Equal(t, occams.StageChallenge, res.Stage)
	assert.False(t, res.Restarted)
}

func TestStepStaleProcIDRestarts(t *testing.T) {
	f := newRandomizationFixture(t)
	procID := f.toVerify(t, map[string]string{"sex": "1"})

	res, err := f.step(t, occams.RandomizationRequest{ProcID: "stale", Submit: true, Fields: map[string]string{"sex": "1"}})
	require.NoError(t, err)
	assert.True(t, res.Restarted)
	assert.Equal(t, occams.StageChallenge, res.Stage)
	assert.NotEqual(t, procID, res.ProcID)
	assert.Empty(t, f.store.claims)

	sess, found, err := f.sessions.Load("s1", 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, sess.FormData)
}

func TestChallengeFailureKeepsStage(t *testing.T) {
	f := newRandomizationFixture(t)
	res, err := f.step(t, occams.RandomizationRequest{})
	require.NoError(t, err)

	_, err = f.step(t, occams.RandomizationRequest{ProcID: res.ProcID, Submit: true, Challenge: "P008"})
	require.Error(t, err)
	assert.Equal(t, occams.ErrCodeChallengeFailed, occams.ErrorCode(err))

	res, err = f.step(t, occams.RandomizationRequest{ProcID: res.ProcID})
	require.NoError(t, err)
	assert.Equal(t, occams.StageChallenge, res.Stage)
}

func TestChallengePrefersReferenceNumber(t *testing.T) {
	f := newRandomizationFixture(t)
	f.store.enrollment.ReferenceNumber = "AEH-12"
	res, err := f.step(t, occams.RandomizationRequest{})
	require.NoError(t, err)

	_, err = f.step(t, occams.RandomizationRequest{ProcID: res.ProcID, Submit: true, Challenge: "P007"})
	assert.Equal(t, occams.ErrCodeChallengeFailed, occams.ErrorCode(err))

	res, err = f.step(t, occams.RandomizationRequest{ProcID: res.ProcID, Submit: true, Challenge: " AEH-12 "})
	require.NoError(t, err)
	assert.Equal(t, occams.StageEnter, res.Stage)
}

func TestEnterRejectsInvalidCriteria(t *testing.T) {
	f := newRandomizationFixture(t)
	res, err := f.step(t, occams.RandomizationRequest{})
	require.NoError(t, err)
	procID := res.ProcID
	_, err = f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Challenge: "P007"})
	require.NoError(t, err)

	_, err = f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: map[string]string{"age": "40"}})
	assert.Equal(t, occams.ErrCodeRequiredMissing, occams.ErrorCode(err))

	_, err = f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: map[string]string{"sex": "9"}})
	assert.True(t, occams.IsValidationError(err))

	res, err = f.step(t, occams.RandomizationRequest{ProcID: procID})
	require.NoError(t, err)
	assert.Equal(t, occams.StageEnter, res.Stage)
}

func TestVerifyMismatchReturnsToEnter(t *testing.T) {
	f := newRandomizationFixture(t)
	procID := f.toVerify(t, map[string]string{"sex": "1", "age": "40"})

	_, err := f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: map[string]string{"sex": "0", "age": "40"}})
	assert.Equal(t, occams.ErrCodeVerifyMismatch, occams.ErrorCode(err))
	assert.Empty(t, f.store.claims)

	sess, found, err := f.sessions.Load("s1", 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, occams.StageEnter, sess.Stage)
	assert.Nil(t, sess.FormData)
}

func TestVerifyAssignsAllocation(t *testing.T) {
	f := newRandomizationFixture(t)
	fields := map[string]string{"sex": "1", "age": "40"}
	procID := f.toVerify(t, fields)

	res, err := f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, occams.StageComplete, res.Stage)
	require.NotNil(t, res.Allocation)
	assert.Equal(t, "R003", res.Allocation.RandID)
	assert.Equal(t, []map[string]string{fields}, f.store.claims)

	_, found, err := f.sessions.Load("s1", 7)
	require.NoError(t, err)
	assert.False(t, found)

	randomized, err := f.svc.IsRandomized(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, randomized)

	res, err = f.step(t, occams.RandomizationRequest{})
	require.NoError(t, err)
	assert.Equal(t, occams.StageComplete, res.Stage)

	_, err = f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: fields})
	assert.Equal(t, occams.ErrCodeAlreadyRandomized, occams.ErrorCode(err))
}

func TestVerifyDepletedReturnsToEnter(t *testing.T) {
	f := newRandomizationFixture(t)
	f.store.claimErr = occams.NewDepletedError("aeh")
	fields := map[string]string{"sex": "0"}
	procID := f.toVerify(t, fields)

	_, err := f.step(t, occams.RandomizationRequest{ProcID: procID, Submit: true, Fields: fields})
	require.Error(t, err)
	assert.True(t, occams.IsDepletedError(err))

	res, err := f.step(t, occams.RandomizationRequest{ProcID: procID})
	require.NoError(t, err)
	assert.Equal(t, occams.StageEnter, res.Stage)
	assert.Equal(t, procID, res.ProcID)

	randomized, err := f.svc.IsRandomized(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, randomized)
}

func TestStepRejectsNonRandomizingStudy(t *testing.T) {
	f := newRandomizationFixture(t)
	f.store.study.RandomizationSchema = ""

	_, err := f.step(t, occams.RandomizationRequest{})
	assert.True(t, occams.IsValidationError(err))
}

func TestStepRequiresSession(t *testing.T) {
	f := newRandomizationFixture(t)

	_, err := f.svc.Step(context.Background(), occams.RandomizationRequest{EnrollmentID: 7})
	require.Error(t, err)
	assert.True(t, occams.IsValidationError(err))
}

func TestAllocationNotRandomized(t *testing.T) {
	f := newRandomizationFixture(t)

	_, err := f.svc.Allocation(context.Background(), 7)
	assert.True(t, occams.IsNotFoundError(err))
}

func TestParseCriteria(t *testing.T) {
	schema := criteriaTestSchema()

	values, err := parseCriteria(schema, map[string]string{"SEX": "1", "age": " 40.0 "})
	require.NoError(t, err)
	assert.Equal(t, occams.ChoiceValue("1"), values["sex"])
	assert.Equal(t, "40", values["age"].String())

	_, err = parseCriteria(schema, map[string]string{"sex": "1", "height": "180"})
	assert.True(t, occams.IsValidationError(err))

	_, err = parseCriteria(schema, map[string]string{"sex": "1", "tags": "a"})
	assert.Equal(t, occams.ErrCodeTypeMismatch, occams.ErrorCode(err))

	_, err = parseCriteria(schema, map[string]string{"sex": "1", "age": "old"})
	assert.Equal(t, occams.ErrCodeTypeMismatch, occams.ErrorCode(err))
}

func TestParseCriteriaRejectsEmpty(t *testing.T) {
	schema := criteriaTestSchema()
	schema.Attributes[0].IsRequired = false

	_, err := parseCriteria(schema, map[string]string{})
	require.Error(t, err)
	assert.True(t, occams.IsValidationError(err))
	assert.Equal(t, occams.ErrCodeRequiredMissing, occams.ErrorCode(err))

	_, err = parseCriteria(schema, nil)
	assert.Equal(t, occams.ErrCodeRequiredMissing, occams.ErrorCode(err))

	values, err := parseCriteria(schema, map[string]string{"age": "40"})
	require.NoError(t, err)
	assert.Len(t, values, 1)
}

func TestCriteriaFilterIsSorted(t *testing.T) {
	values, err := parseCriteria(criteriaTestSchema(), map[string]string{"sex": "1", "age": "40"})
	require.NoError(t, err)

	filter := criteriaFilter(values)
	assert.Equal(t, occams.LogicAnd, filter.Logic)
	require.Len(t, filter.Conditions, 2)
	assert.Equal(t, occams.Equals("age", "40"), filter.Conditions[0])
	assert.Equal(t, occams.Equals("sex", "1"), filter.Conditions[1])
}

func TestLoadStrataDelegates(t *testing.T) {
	f := newRandomizationFixture(t)
	rows := []occams.StratumRow{{ArmName: "active", BlockNumber: 1, RandID: "R001", Criteria: map[string]string{"sex": "0"}}}

	n, err := f.svc.LoadStrata(context.Background(), 1, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, rows, f.store.loaded)
}
