package production

import (
	"math"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/progress"
)

// Totals is the cost and carbon account of a finished project.
type Totals struct {
	MaterialCarbon float64 `json:"material_carbon"`
	EnergyCarbon   float64 `json:"energy_carbon"`
	TotalCarbon    float64 `json:"total_carbon"`
	MaterialCost   float64 `json:"material_cost"`
	LaborCost      float64 `json:"labor_cost"`
	TotalCost      float64 `json:"total_cost"`
}

type StockDelta struct {
	MaterialID       string  `json:"material_id"`
	Name             string  `json:"name"`
	QuantityRequired float64 `json:"quantity_required"`
	StockBefore      float64 `json:"stock_before"`
	StockAfter       float64 `json:"stock_after"`
}

type MaterialUsage struct {
	MaterialID       string  `json:"material_id"`
	Name             string  `json:"name"`
	Unit             string  `json:"unit,omitempty"`
	QuantityRequired float64 `json:"quantity_required"`
	CostPerUnit      float64 `json:"cost_per_unit"`
	CarbonFootprint  float64 `json:"carbon_footprint"`
}

type StageActual struct {
	StageID      string   `json:"stage_id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	ActualHours  float64  `json:"actual_hours"`
	ActualEnergy float64  `json:"actual_energy"`
	Workers      []string `json:"workers"`
}

// Specification is the snapshot embedded in a passport.
type Specification struct {
	Materials []MaterialUsage   `json:"materials"`
	Stages    []StageActual     `json:"stages"`
	Summary   progress.Summary  `json:"summary"`
	Totals    Totals            `json:"totals"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// ComputeTotals prices a bill of materials and the recorded stage actuals.
func ComputeTotals(bom []domain.BOMEntry, stages []domain.ManufacturingStage, cfg config.ProductionConfig) Totals {
	var t Totals
	for _, line := range bom {
		t.MaterialCarbon += line.Material.CarbonFootprint * line.QuantityRequired
		t.MaterialCost += line.QuantityRequired * line.Material.CostPerUnit
	}
	for _, st := range stages {
		t.EnergyCarbon += st.ActualEnergy * cfg.CarbonPerKWh
		t.LaborCost += st.ActualHours * cfg.LaborRatePerHour
	}
	t.TotalCarbon = t.MaterialCarbon + t.EnergyCarbon
	t.TotalCost = t.MaterialCost + t.LaborCost
	return t
}

// StockDeltas lists what finishing production consumes. Stock never drops below zero.
func StockDeltas(bom []domain.BOMEntry) []StockDelta {
	out := make([]StockDelta, 0, len(bom))
	for _, line := range bom {
		out = append(out, StockDelta{
			MaterialID:       line.MaterialID,
			Name:             line.Material.Name,
			QuantityRequired: line.QuantityRequired,
			StockBefore:      line.Material.Quantity,
			StockAfter:       consume(line.Material.Quantity, line.QuantityRequired),
		})
	}
	return out
}

func consume(stock, required float64) float64 {
	return math.Max(0, stock-required)
}

func buildSpecification(bom []domain.BOMEntry, stages []domain.ManufacturingStage, totals Totals, custom map[string]string) Specification {
	spec := Specification{
		Materials: make([]MaterialUsage, 0, len(bom)),
		Stages:    make([]StageActual, 0, len(stages)),
		Summary:   progress.Aggregate(stages),
		Totals:    totals,
		Custom:    custom,
	}
	for _, line := range bom {
		spec.Materials = append(spec.Materials, MaterialUsage{
			MaterialID:       line.MaterialID,
			Name:             line.Material.Name,
			Unit:             line.Material.Unit,
			QuantityRequired: line.QuantityRequired,
			CostPerUnit:      line.Material.CostPerUnit,
			CarbonFootprint:  line.Material.CarbonFootprint,
		})
	}
	for _, st := range stages {
		spec.Stages = append(spec.Stages, StageActual{
			StageID:      st.StageID,
			Name:         st.Name,
			Status:       string(st.Status),
			ActualHours:  st.ActualHours,
			ActualEnergy: st.ActualEnergy,
			Workers:      st.Workers,
		})
	}
	return spec
}
