// Package phase computes the six-phase lifecycle view of a project and gates
// navigation between phases.
package phase

import (
	"forgeline/internal/domain"
	"forgeline/internal/progress"
)

type ID string

const (
	Setup              ID = "setup"
	BOM                ID = "bom"
	ProductionPlanning ID = "production_planning"
	Manufacturing      ID = "manufacturing"
	QualityControl     ID = "quality_control"
	Passport           ID = "passport"
)

// Indexes of the phases in display order.
const (
	IndexSetup = iota
	IndexBOM
	IndexProductionPlanning
	IndexManufacturing
	IndexQualityControl
	IndexPassport
	Count
)

type Status string

const (
	Completed Status = "completed"
	Current   Status = "current"
	Upcoming  Status = "upcoming"
)

type Phase struct {
	ID          ID     `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status" enum:"completed,current,upcoming"`
	AllowAccess bool   `json:"allow_access"`
}

var catalog = [Count]struct {
	id          ID
	title       string
	description string
}{
	{Setup, "Setup", "Select or create the project"},
	{BOM, "Bill of Materials", "Allocate the materials the product consumes"},
	{ProductionPlanning, "Production Planning", "Confirm the plan and create the stage batch"},
	{Manufacturing, "Manufacturing", "Work through the manufacturing stages in order"},
	{QualityControl, "Quality Control", "Inspect the product and record its specification"},
	{Passport, "Product Passport", "Issue the product passport"},
}

// PersistedProjectView is what the store says about the selected project.
// A zero ProjectID means nothing is selected.
type PersistedProjectView struct {
	ProjectID  string               `json:"project_id,omitempty"`
	Status     domain.ProjectStatus `json:"status,omitempty"`
	PassportID string               `json:"passport_id,omitempty"`
}

func (v PersistedProjectView) Selected() bool { return v.ProjectID != "" }

// OptimisticOverlay holds completions a session has issued but the store may
// not reflect yet.
type OptimisticOverlay struct {
	BOMCompleted                bool `json:"bom_completed"`
	ProductionPlanningCompleted bool `json:"production_planning_completed"`
	ManufacturingStarted        bool `json:"manufacturing_started"`
	ManufacturingCompleted      bool `json:"manufacturing_completed"`
	QualityControlCompleted     bool `json:"quality_control_completed"`
}

// OverlayFromStatus returns the flags implied by a persisted status.
func OverlayFromStatus(s domain.ProjectStatus) OptimisticOverlay {
	return OptimisticOverlay{
		BOMCompleted:                s.AtLeast(domain.StatusDesign),
		ProductionPlanningCompleted: s.AtLeast(domain.StatusInProgress),
		ManufacturingStarted:        s.AtLeast(domain.StatusInProgress),
		ManufacturingCompleted:      s.AtLeast(domain.StatusReadyForCompletion),
	}
}

// Merge ORs an overlay with what the persisted view already proves.
func Merge(v PersistedProjectView, o OptimisticOverlay) OptimisticOverlay {
	p := OverlayFromStatus(v.Status)
	return OptimisticOverlay{
		BOMCompleted:                o.BOMCompleted || p.BOMCompleted,
		ProductionPlanningCompleted: o.ProductionPlanningCompleted || p.ProductionPlanningCompleted,
		ManufacturingStarted:        o.ManufacturingStarted || p.ManufacturingStarted,
		ManufacturingCompleted:      o.ManufacturingCompleted || p.ManufacturingCompleted,
		QualityControlCompleted:     o.QualityControlCompleted || v.PassportID != "",
	}
}

// TargetIndex is the furthest phase a persisted status lets a session land on.
func TargetIndex(s domain.ProjectStatus) int {
	switch s {
	case domain.StatusDesign:
		return IndexProductionPlanning
	case domain.StatusInProgress:
		return IndexManufacturing
	case domain.StatusReadyForCompletion, domain.StatusCompleted:
		return IndexQualityControl
	default:
		return IndexBOM
	}
}

type Input struct {
	Project      PersistedProjectView
	Summary      progress.Summary
	Local        OptimisticOverlay
	CurrentIndex int
}

// Compute derives the ordered phase list. It is a pure function of in.
func Compute(in Input) []Phase {
	selected := in.Project.Selected()
	status := in.Project.Status
	local := in.Local
	idx := in.CurrentIndex
	hasPassport := in.Project.PassportID != ""
	manufactured := local.ManufacturingCompleted || in.Summary.AllStagesCompleted

	type rule struct{ completed, current, access bool }
	rules := [Count]rule{
		IndexSetup: {
			completed: selected,
			current:   !selected,
			access:    true,
		},
		IndexBOM: {
			completed: local.BOMCompleted,
			current:   selected && !local.BOMCompleted,
			access:    selected,
		},
		IndexProductionPlanning: {
			completed: local.ProductionPlanningCompleted,
			current:   local.BOMCompleted && idx >= IndexProductionPlanning,
			access:    local.BOMCompleted || status.AtLeast(domain.StatusDesign),
		},
		IndexManufacturing: {
			completed: manufactured,
			current:   local.ManufacturingStarted && idx >= IndexManufacturing,
			access:    local.ProductionPlanningCompleted || status.AtLeast(domain.StatusInProgress) || in.Summary.AllStagesCompleted,
		},
		IndexQualityControl: {
			completed: hasPassport,
			current:   manufactured && idx >= IndexQualityControl,
			access:    manufactured,
		},
		IndexPassport: {
			current: hasPassport && idx == IndexPassport,
			access:  hasPassport,
		},
	}

	out := make([]Phase, Count)
	for i, r := range rules {
		st := Upcoming
		switch {
		case r.completed:
			st = Completed
		case r.current:
			st = Current
		}
		out[i] = Phase{
			ID:          catalog[i].id,
			Title:       catalog[i].title,
			Description: catalog[i].description,
			Status:      st,
			AllowAccess: r.access,
		}
	}
	return out
}

// Advance moves to the next phase when it is accessible. A locked next
// phase leaves the index unchanged and reports false.
func Advance(phases []Phase, current int) (int, bool) {
	next := current + 1
	if current < 0 || next >= len(phases) || !phases[next].AllowAccess {
		return current, false
	}
	return next, true
}

// FromRecord computes the phases of a persisted project with no session
// overlay. The current index is the furthest phase the record reaches.
func FromRecord(p domain.Project, summary progress.Summary, passportID string) (PersistedProjectView, []Phase, int) {
	view := PersistedProjectView{ProjectID: p.ID, Status: p.Status, PassportID: passportID}
	idx := TargetIndex(p.Status)
	if passportID != "" {
		idx = IndexPassport
	}
	phases := Compute(Input{
		Project:      view,
		Summary:      summary,
		Local:        Merge(view, OptimisticOverlay{}),
		CurrentIndex: idx,
	})
	return view, phases, idx
}
