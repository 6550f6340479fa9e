package phase

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"forgeline/internal/domain"
	"forgeline/internal/progress"
)

type shape struct {
	Status []Status
	Access []bool
}

func shapeOf(phases []Phase) shape {
	var s shape
	for _, p := range phases {
		s.Status = append(s.Status, p.Status)
		s.Access = append(s.Access, p.AllowAccess)
	}
	return s
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want shape
	}{
		{
			name: "nothing selected",
			in:   Input{},
			want: shape{
				Status: []Status{Current, Upcoming, Upcoming, Upcoming, Upcoming, Upcoming},
				Access: []bool{true, false, false, false, false, false},
			},
		},
		{
			name: "planning project on bom",
			in: Input{
				Project:      PersistedProjectView{ProjectID: "p1", Status: domain.StatusPlanning},
				CurrentIndex: IndexBOM,
			},
			want: shape{
				Status: []Status{Completed, Current, Upcoming, Upcoming, Upcoming, Upcoming},
				Access: []bool{true, true, false, false, false, false},
			},
		},
		{
			name: "optimistic bom completion opens planning",
			in: Input{
				Project:      PersistedProjectView{ProjectID: "p1", Status: domain.StatusPlanning},
				Local:        OptimisticOverlay{BOMCompleted: true},
				CurrentIndex: IndexProductionPlanning,
			},
			want: shape{
				Status: []Status{Completed, Completed, Current, Upcoming, Upcoming, Upcoming},
				Access: []bool{true, true, true, false, false, false},
			},
		},
		{
			name: "in progress project on manufacturing",
			in: Input{
				Project:      PersistedProjectView{ProjectID: "p1", Status: domain.StatusInProgress},
				Local:        OverlayFromStatus(domain.StatusInProgress),
				CurrentIndex: IndexManufacturing,
			},
			want: shape{
				Status: []Status{Completed, Completed, Completed, Current, Upcoming, Upcoming},
				Access: []bool{true, true, true, true, false, false},
			},
		},
		{
			name: "all stages done opens quality control",
			in: Input{
				Project:      PersistedProjectView{ProjectID: "p1", Status: domain.StatusInProgress},
				Summary:      progress.Summary{AllStagesCompleted: true},
				Local:        OverlayFromStatus(domain.StatusInProgress),
				CurrentIndex: IndexQualityControl,
			},
			want: shape{
				Status: []Status{Completed, Completed, Completed, Completed, Current, Upcoming},
				Access: []bool{true, true, true, true, true, false},
			},
		},
		{
			name: "passport issued",
			in: Input{
				Project:      PersistedProjectView{ProjectID: "p1", Status: domain.StatusCompleted, PassportID: "pp1"},
				Local:        Merge(PersistedProjectView{Status: domain.StatusCompleted, PassportID: "pp1"}, OptimisticOverlay{}),
				CurrentIndex: IndexPassport,
			},
			want: shape{
				Status: []Status{Completed, Completed, Completed, Completed, Completed, Current},
				Access: []bool{true, true, true, true, true, true},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.in)
			if len(got) != Count {
				t.Fatalf("expected %d phases, got %d", Count, len(got))
			}
			if diff := cmp.Diff(tt.want, shapeOf(got)); diff != "" {
				t.Fatalf("phase mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestComputeIsPure(t *testing.T) {
	in := Input{
		Project:      PersistedProjectView{ProjectID: "p1", Status: domain.StatusDesign},
		Local:        OverlayFromStatus(domain.StatusDesign),
		CurrentIndex: IndexProductionPlanning,
	}
	if diff := cmp.Diff(Compute(in), Compute(in)); diff != "" {
		t.Fatalf("compute not deterministic:\n%s", diff)
	}
}

func TestMergeNeverClearsFlags(t *testing.T) {
	view := PersistedProjectView{ProjectID: "p1", Status: domain.StatusPlanning}
	local := OptimisticOverlay{BOMCompleted: true, ProductionPlanningCompleted: true}
	got := Merge(view, local)
	if diff := cmp.Diff(local, got); diff != "" {
		t.Fatalf("merge changed local flags (-want +got):\n%s", diff)
	}
	got = Merge(PersistedProjectView{Status: domain.StatusReadyForCompletion}, OptimisticOverlay{})
	want := OptimisticOverlay{BOMCompleted: true, ProductionPlanningCompleted: true, ManufacturingStarted: true, ManufacturingCompleted: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge from status (-want +got):\n%s", diff)
	}
}

func TestTargetIndex(t *testing.T) {
	cases := map[domain.ProjectStatus]int{
		domain.StatusPlanning:           IndexBOM,
		domain.StatusDesign:             IndexProductionPlanning,
		domain.StatusInProgress:         IndexManufacturing,
		domain.StatusReadyForCompletion: IndexQualityControl,
		domain.StatusCompleted:          IndexQualityControl,
		"":                              IndexBOM,
	}
	for status, want := range cases {
		if got := TargetIndex(status); got != want {
			t.Errorf("TargetIndex(%q) = %d, want %d", status, got, want)
		}
	}
}

func TestAdvance(t *testing.T) {
	phases := Compute(Input{Project: PersistedProjectView{ProjectID: "p1", Status: domain.StatusPlanning}, CurrentIndex: IndexBOM})
	if idx, ok := Advance(phases, IndexSetup); !ok || idx != IndexBOM {
		t.Fatalf("expected advance to bom, got %d %v", idx, ok)
	}
	if idx, ok := Advance(phases, IndexBOM); ok || idx != IndexBOM {
		t.Fatalf("expected locked planning to block, got %d %v", idx, ok)
	}
	if idx, ok := Advance(phases, IndexPassport); ok || idx != IndexPassport {
		t.Fatalf("expected last phase to stay put, got %d %v", idx, ok)
	}
	if idx, ok := Advance(phases, -1); ok || idx != -1 {
		t.Fatalf("expected negative index to be rejected, got %d %v", idx, ok)
	}
}

func TestFromRecord(t *testing.T) {
	view, phases, idx := FromRecord(domain.Project{ID: "p1", Status: domain.StatusDesign}, progress.Summary{}, "")
	if view.ProjectID != "p1" || idx != IndexProductionPlanning {
		t.Fatalf("unexpected view %+v idx %d", view, idx)
	}
	if phases[IndexBOM].Status != Completed || phases[IndexProductionPlanning].Status != Current {
		t.Fatalf("unexpected phases %+v", phases)
	}

	_, phases, idx = FromRecord(domain.Project{ID: "p1", Status: domain.StatusCompleted}, progress.Summary{AllStagesCompleted: true}, "pp1")
	if idx != IndexPassport {
		t.Fatalf("expected passport index, got %d", idx)
	}
	if !phases[IndexPassport].AllowAccess || phases[IndexPassport].Status != Current {
		t.Fatalf("expected passport phase current, got %+v", phases[IndexPassport])
	}
}
