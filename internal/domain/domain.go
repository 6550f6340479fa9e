package domain

import (
	"errors"
	"fmt"
)

// ProjectStatus is the persisted lifecycle state of a manufacturing project.
type ProjectStatus string

const (
	StatusPlanning           ProjectStatus = "planning"
	StatusDesign             ProjectStatus = "design"
	StatusInProgress         ProjectStatus = "in_progress"
	StatusReadyForCompletion ProjectStatus = "ready_for_completion"
	StatusCompleted          ProjectStatus = "completed"
)

var statusRank = map[ProjectStatus]int{
	StatusPlanning:           0,
	StatusDesign:             1,
	StatusInProgress:         2,
	StatusReadyForCompletion: 3,
	StatusCompleted:          4,
}

// Rank returns the position of s in the lifecycle order, or -1 when unknown.
func (s ProjectStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s ProjectStatus) Valid() bool { return s.Rank() >= 0 }

// AtLeast reports whether s is at or past other in the lifecycle.
func (s ProjectStatus) AtLeast(other ProjectStatus) bool {
	return s.Valid() && s.Rank() >= other.Rank()
}

// StageStatus is the state of one manufacturing stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageBlocked    StageStatus = "blocked"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageInProgress, StageCompleted, StageBlocked:
		return true
	}
	return false
}

type Project struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description,omitempty"`
	Status               ProjectStatus `json:"status" enum:"planning,design,in_progress,ready_for_completion,completed"`
	Progress             int           `json:"progress" minimum:"0" maximum:"100"`
	TotalCost            float64       `json:"total_cost"`
	TotalCarbonFootprint float64       `json:"total_carbon_footprint"`
	StartDate            *string       `json:"start_date,omitempty" format:"date-time"`
	CompletionDate       *string       `json:"completion_date,omitempty" format:"date-time"`
	AllocatedMaterials   []string      `json:"allocated_materials"`
	Deleted              bool          `json:"deleted"`
	CreatedAt            string        `json:"created_at" format:"date-time"`
	UpdatedAt            string        `json:"updated_at" format:"date-time"`
}

type ManufacturingStage struct {
	ID             string      `json:"id"`
	ProjectID      string      `json:"project_id"`
	StageID        string      `json:"stage_id"`
	Sequence       int         `json:"sequence"`
	Name           string      `json:"name"`
	Status         StageStatus `json:"status" enum:"pending,in_progress,completed,blocked"`
	Progress       int         `json:"progress" minimum:"0" maximum:"100"`
	EstimatedHours float64     `json:"estimated_hours"`
	ActualHours    float64     `json:"actual_hours"`
	EnergyEstimate float64     `json:"energy_estimate"`
	ActualEnergy   float64     `json:"actual_energy"`
	Workers        []string    `json:"workers"`
	StartDate      *string     `json:"start_date,omitempty" format:"date-time"`
	CompletedDate  *string     `json:"completed_date,omitempty" format:"date-time"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
}

// Done reports whether the stage is fully completed.
func (s ManufacturingStage) Done() bool {
	return s.Status == StageCompleted && s.Progress == 100
}

type Material struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Category        string  `json:"category,omitempty"`
	Unit            string  `json:"unit,omitempty"`
	Quantity        float64 `json:"quantity"`
	CostPerUnit     float64 `json:"cost_per_unit"`
	CarbonFootprint float64 `json:"carbon_footprint"`
	Supplier        string  `json:"supplier,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// BOMLine is one material requirement of a project.
type BOMLine struct {
	ProjectID        string  `json:"project_id"`
	MaterialID       string  `json:"material_id"`
	QuantityRequired float64 `json:"quantity_required"`
}

// BOMEntry joins a BOM line with the material it consumes.
type BOMEntry struct {
	BOMLine
	Material Material `json:"material"`
}

type Passport struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	CommitID           string  `json:"commit_id"`
	ProductName        string  `json:"product_name"`
	ProductType        string  `json:"product_type,omitempty"`
	Quantity           int     `json:"quantity"`
	CarbonFootprint    float64 `json:"carbon_footprint"`
	TotalCost          float64 `json:"total_cost"`
	SpecificationsJSON string  `json:"specifications_json"`
	ImageURL           string  `json:"image_url,omitempty"`
	QRPayload          string  `json:"qr_payload"`
	IssuedAt           string  `json:"issued_at" format:"date-time"`
}

type CommitStatus string

const (
	CommitPending CommitStatus = "pending"
	CommitApplied CommitStatus = "applied"
)

// ProductionCommit is the staged outcome of finishing production. Downstream
// writes are derived from its payload so a failed run can be replayed.
type ProductionCommit struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Status      CommitStatus `json:"status"`
	PayloadJSON string       `json:"payload_json"`
	PassportID  *string      `json:"passport_id,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	AppliedAt   *string      `json:"applied_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

var (
	// ErrProjectNotFound is returned when a project id cannot be resolved.
	ErrProjectNotFound = errors.New("project not found")
	// ErrReentrancyRejected is returned when a project mutation is already in flight.
	ErrReentrancyRejected = errors.New("project update already in progress")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrStageNotFound      = errors.New("stage not found")
	ErrMaterialNotFound   = errors.New("material not found")
	ErrPassportNotFound   = errors.New("passport not found")
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) || errors.Is(err, ErrStageNotFound) ||
		errors.Is(err, ErrMaterialNotFound) || errors.Is(err, ErrPassportNotFound)
}

// ValidationError reports a request that was rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError wraps a failed store call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err unless it is nil or already a classified error.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var pe *PersistenceError
	if errors.As(err, &ve) || errors.As(err, &pe) || IsNotFound(err) ||
		errors.Is(err, ErrReentrancyRejected) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
