// Package progress reduces a project's manufacturing stages into roll-up figures.
package progress

import (
	"math"

	"forgeline/internal/domain"
)

type Summary struct {
	OverallProgress      int     `json:"overall_progress"`
	TotalEstimatedHours  float64 `json:"total_estimated_hours"`
	TotalActualHours     float64 `json:"total_actual_hours"`
	TotalEstimatedEnergy float64 `json:"total_estimated_energy"`
	TotalActualEnergy    float64 `json:"total_actual_energy"`
	// Efficiency is estimated over actual hours as a percentage. It is not capped.
	Efficiency         int  `json:"efficiency"`
	AllStagesCompleted bool `json:"all_stages_completed"`
	TotalCount         int  `json:"total_count"`
	CompletedCount     int  `json:"completed_count"`
	InProgressCount    int  `json:"in_progress_count"`
	BlockedCount       int  `json:"blocked_count"`
}

// Aggregate computes the Summary of stages. An empty set yields zero progress
// and is never all-completed.
func Aggregate(stages []domain.ManufacturingStage) Summary {
	s := Summary{TotalCount: len(stages)}
	progressSum := 0
	allDone := len(stages) > 0
	for _, st := range stages {
		progressSum += st.Progress
		s.TotalEstimatedHours += st.EstimatedHours
		s.TotalActualHours += st.ActualHours
		s.TotalEstimatedEnergy += st.EnergyEstimate
		s.TotalActualEnergy += st.ActualEnergy
		switch st.Status {
		case domain.StageCompleted:
			s.CompletedCount++
		case domain.StageInProgress:
			s.InProgressCount++
		case domain.StageBlocked:
			s.BlockedCount++
		}
		if !st.Done() {
			allDone = false
		}
	}
	if len(stages) > 0 {
		s.OverallProgress = int(math.Round(float64(progressSum) / float64(len(stages))))
	}
	s.Efficiency = Efficiency(s.TotalEstimatedHours, s.TotalActualHours)
	s.AllStagesCompleted = allDone
	return s
}

// Efficiency returns round(estimated / max(actual, 1) * 100).
func Efficiency(estimated, actual float64) int {
	return int(math.Round(estimated / math.Max(actual, 1) * 100))
}

// ProjectProgress maps stage completion onto the band between started and
// 100: round(completed/total * (100-started)) + started.
func ProjectProgress(completed, total, started int) int {
	if total <= 0 {
		return started
	}
	return int(math.Round(float64(completed)/float64(total)*float64(100-started))) + started
}
