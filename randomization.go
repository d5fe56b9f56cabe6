package occams

import (
	"context"
)

// Stage is a step of the interactive randomization flow.
type Stage string

const (
	StageChallenge Stage = "challenge"
	StageEnter     Stage = "enter"
	StageVerify    Stage = "verify"
	StageComplete  Stage = "complete"
)

// Study is the subset of study data randomization needs.
type Study struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Title               string `json:"title"`
	RandomizationSchema string `json:"randomization_schema,omitempty"`
}

// Enrollment ties a patient to a study.
type Enrollment struct {
	ID              int64  `json:"id"`
	PatientID       int64  `json:"patient_id"`
	StudyID         int64  `json:"study_id"`
	PID             string `json:"pid"`
	ReferenceNumber string `json:"reference_number,omitempty"`
}

// ChallengeAnswer is the identifier the caller must re-assert in the
// challenge stage: the study reference number when assigned, else the PID.
func (e *Enrollment) ChallengeAnswer() string {
	if e.ReferenceNumber != "" {
		return e.ReferenceNumber
	}
	return e.PID
}

// Stratum is a pre-generated allocation awaiting a patient.
type Stratum struct {
	ID          int64  `json:"id"`
	StudyID     int64  `json:"study_id"`
	ArmName     string `json:"arm_name"`
	BlockNumber int    `json:"block_number"`
	RandID      string `json:"randid"`
	PatientID   *int64 `json:"patient_id,omitempty"`
	EntityID    int64  `json:"entity_id"`
}

// StratumRow is one pre-generated allocation to load, with the criteria
// values (keyed by randomization schema attribute name) it is matched on.
type StratumRow struct {
	ArmName     string            `json:"arm_name"`
	BlockNumber int               `json:"block_number"`
	RandID      string            `json:"randid"`
	Criteria    map[string]string `json:"criteria"`
}

// RandomizationRequest is one step of the flow for an enrollment.
//
// With Submit false the call only reports (or initializes) the current
// stage. ProcID is the anti-restart token issued by a previous call.
type RandomizationRequest struct {
	SessionID    string            `json:"session_id" validate:"required"`
	EnrollmentID int64             `json:"enrollment_id" validate:"required"`
	ProcID       string            `json:"procid,omitempty"`
	Submit       bool              `json:"submit"`
	Challenge    string            `json:"challenge,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// RandomizationResult reports where the flow stands after a step.
type RandomizationResult struct {
	ProcID string `json:"procid"`
	Stage  Stage  `json:"stage"`
	// Restarted is set when a fresh procid was issued; callers redirect
	// carrying the new token.
	Restarted  bool     `json:"restarted"`
	Allocation *Stratum `json:"allocation,omitempty"`
}

// Randomizer runs the randomization protocol.
type Randomizer interface {
	Step(ctx context.Context, req RandomizationRequest) (*RandomizationResult, error)
	IsRandomized(ctx context.Context, enrollmentID int64) (bool, error)
	Allocation(ctx context.Context, enrollmentID int64) (*Stratum, error)
	LoadStrata(ctx context.Context, studyID int64, rows []StratumRow) (int, error)
}
