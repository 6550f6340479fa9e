package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/app"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/production"
)

func materialCmd() *cobra.Command {
	mat := &cobra.Command{Use: "material", Short: "Manage material stock"}
	mat.AddCommand(materialListCmd())
	mat.AddCommand(materialCreateCmd())
	mat.AddCommand(materialShowCmd())
	mat.AddCommand(materialUpdateCmd())
	mat.AddCommand(materialDeleteCmd())
	mat.AddCommand(materialLowStockCmd())
	return mat
}

func printMaterials(items []domain.Material) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Name", "Category", "Quantity", "Unit", "Cost/unit", "CO2/unit", "Supplier")
	for _, m := range items {
		tw.AppendRow([]any{m.ID, m.Name, m.Category, m.Quantity, m.Unit, m.CostPerUnit, m.CarbonFootprint, m.Supplier})
	}
	tw.Render()
	return nil
}

func materialListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List materials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMaterials(ctx)
				if err != nil {
					return err
				}
				return printMaterials(items)
			})
		},
	}
}

func materialCreateCmd() *cobra.Command {
	var in engine.MaterialInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a material",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.CreateMaterial(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "material id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "material name")
	cmd.Flags().StringVar(&in.Category, "category", "", "category")
	cmd.Flags().StringVar(&in.Unit, "unit", "", "unit of measure")
	cmd.Flags().Float64Var(&in.Quantity, "quantity", 0, "stock on hand")
	cmd.Flags().Float64Var(&in.CostPerUnit, "cost", 0, "cost per unit")
	cmd.Flags().Float64Var(&in.CarbonFootprint, "carbon", 0, "kg CO2 per unit")
	cmd.Flags().StringVar(&in.Supplier, "supplier", "", "supplier")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func materialShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <material-id>",
		Short: "Show a material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.GetMaterial(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func materialUpdateCmd() *cobra.Command {
	var name, category, unit, supplier string
	var quantity, cost, carbon float64
	cmd := &cobra.Command{
		Use:   "update <material-id>",
		Short: "Update a material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.MaterialPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("category") {
				patch.Category = &category
			}
			if flags.Changed("unit") {
				patch.Unit = &unit
			}
			if flags.Changed("supplier") {
				patch.Supplier = &supplier
			}
			if flags.Changed("quantity") {
				patch.Quantity = &quantity
			}
			if flags.Changed("cost") {
				patch.CostPerUnit = &cost
			}
			if flags.Changed("carbon") {
				patch.CarbonFootprint = &carbon
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.UpdateMaterial(ctx, args[0], patch, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "material name")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&unit, "unit", "", "unit of measure")
	cmd.Flags().StringVar(&supplier, "supplier", "", "supplier")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "stock on hand")
	cmd.Flags().Float64Var(&cost, "cost", 0, "cost per unit")
	cmd.Flags().Float64Var(&carbon, "carbon", 0, "kg CO2 per unit")
	return cmd
}

func materialDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <material-id>",
		Short: "Delete a material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteMaterial(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("material %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func materialLowStockCmd() *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "low-stock",
		Short: "List materials at or below a stock threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMaterials(ctx)
				if err != nil {
					return err
				}
				low := make([]domain.Material, 0, len(items))
				for _, m := range items {
					if m.Quantity <= threshold {
						low = append(low, m)
					}
				}
				return printMaterials(low)
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 10, "stock threshold")
	return cmd
}

func bomCmd() *cobra.Command {
	bom := &cobra.Command{Use: "bom", Short: "Manage a project's bill of materials"}
	bom.AddCommand(bomListCmd())
	bom.AddCommand(bomSetCmd())
	bom.AddCommand(bomRemoveCmd())
	return bom
}

func bomListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List BOM lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lines, err := a.Engine.ListBOM(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				tw := newTable("Material", "Name", "Required", "In stock", "Unit")
				for _, l := range lines {
					tw.AppendRow([]any{l.MaterialID, l.Material.Name, l.QuantityRequired, l.Material.Quantity, l.Material.Unit})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func bomSetCmd() *cobra.Command {
	var qty float64
	cmd := &cobra.Command{
		Use:   "set <project-id> <material-id>",
		Short: "Set the quantity a project requires",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				line, err := a.Engine.SetBOMLine(ctx, domain.BOMLine{ProjectID: args[0], MaterialID: args[1], QuantityRequired: qty}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	cmd.Flags().Float64Var(&qty, "qty", 0, "quantity required")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func bomRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project-id> <material-id>",
		Short: "Remove a BOM line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RemoveBOMLine(ctx, args[0], args[1], actorID()); err != nil {
					return err
				}
				fmt.Printf("removed %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Manufacturing stages"}
	st.AddCommand(stageListCmd())
	st.AddCommand(stageUpdateCmd())
	st.AddCommand(stageCompleteCmd())
	return st
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's stages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stages, err := a.Engine.ListStages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := newTable("#", "ID", "Name", "Status", "Progress", "Hours", "Energy", "Workers")
				for _, s := range stages {
					tw.AppendRow([]any{
						s.Sequence, s.ID, s.Name, s.Status, fmt.Sprintf("%d%%", s.Progress),
						fmt.Sprintf("%.1f/%.1f", s.ActualHours, s.EstimatedHours),
						fmt.Sprintf("%.1f/%.1f", s.ActualEnergy, s.EnergyEstimate),
						len(s.Workers),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stageUpdateCmd() *cobra.Command {
	var progress int
	var hours, energy float64
	var workers []string
	var notes string
	var blocked bool
	cmd := &cobra.Command{
		Use:   "update <stage-id>",
		Short: "Record stage progress, actuals or workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.StageUpdateOptions{ID: args[0], ActorID: actorID()}
			flags := cmd.Flags()
			if flags.Changed("progress") {
				opts.Progress = &progress
			}
			if flags.Changed("hours") {
				opts.ActualHours = &hours
			}
			if flags.Changed("energy") {
				opts.ActualEnergy = &energy
			}
			if flags.Changed("worker") {
				opts.Workers = workers
			}
			if flags.Changed("notes") {
				opts.Notes = &notes
			}
			if flags.Changed("blocked") {
				opts.Blocked = &blocked
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.UpdateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percent")
	cmd.Flags().Float64Var(&hours, "hours", 0, "actual hours")
	cmd.Flags().Float64Var(&energy, "energy", 0, "actual energy (kWh)")
	cmd.Flags().StringArrayVar(&workers, "worker", nil, "assigned worker (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "mark blocked or unblocked")
	return cmd
}

func stageCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <stage-id>",
		Short: "Complete a stage and start the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Production.CompleteStage(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("stage %s completed; project %s at %d%%\n", res.Stage.Name, res.Project.Status, res.Project.Progress)
				if res.Next != nil {
					fmt.Printf("next stage: %s (%s)\n", res.Next.Name, res.Next.ID)
				}
				if res.AllCompleted {
					fmt.Println("all stages completed; ready for completion")
				}
				return nil
			})
		},
	}
}

func productionCmd() *cobra.Command {
	prod := &cobra.Command{Use: "production", Short: "Start and finish production"}
	prod.AddCommand(productionStartCmd())
	prod.AddCommand(productionCompleteCmd())
	prod.AddCommand(productionRecoverCmd())
	return prod
}

func productionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <project-id>",
		Short: "Create the stage plan and start the first stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Production.StartProduction(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("project %s is %s (%d%%) with %d stages\n", res.Project.ID, res.Project.Status, res.Project.Progress, len(res.Stages))
				return nil
			})
		},
	}
}

func productionCompleteCmd() *cobra.Command {
	var req production.CompleteRequest
	var specs []string
	cmd := &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Finish production, consume stock and issue the passport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			custom, err := parseSpecs(specs)
			if err != nil {
				return err
			}
			req.Specifications = custom
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Production.CompleteProduction(ctx, args[0], req, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("Field", "Value")
				tw.AppendRow([]any{"project", res.Project.ID})
				tw.AppendRow([]any{"status", res.Project.Status})
				tw.AppendRow([]any{"passport", res.Passport.ID})
				tw.AppendRow([]any{"qr", res.Passport.QRPayload})
				tw.AppendRow([]any{"total cost", fmt.Sprintf("%.2f", res.Totals.TotalCost)})
				tw.AppendRow([]any{"total carbon", fmt.Sprintf("%.2f", res.Totals.TotalCarbon)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ProductName, "product", "", "product name")
	cmd.Flags().StringVar(&req.ProductType, "type", "", "product type")
	cmd.Flags().IntVar(&req.Quantity, "quantity", 1, "units produced")
	cmd.Flags().StringVar(&req.ImageURL, "image-url", "", "product image URL")
	cmd.Flags().StringArrayVar(&specs, "spec", nil, "custom specification key=value (repeatable)")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func productionRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay production completions interrupted before they applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Production.Recover(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"replayed": n})
				}
				fmt.Printf("replayed %d pending completion(s)\n", n)
				return nil
			})
		},
	}
}

func passportCmd() *cobra.Command {
	pp := &cobra.Command{Use: "passport", Short: "Product passports"}
	pp.AddCommand(&cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the latest passport of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Passports.Latest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	pp.AddCommand(&cobra.Command{
		Use:   "get <passport-id>",
		Short: "Show a passport by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Passports.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	pp.AddCommand(&cobra.Command{
		Use:   "list <project-id>",
		Short: "List every passport issued for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Passports.List(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Product", "Qty", "Cost", "Carbon", "Issued")
				for _, p := range items {
					tw.AppendRow([]any{p.ID, p.ProductName, p.Quantity, p.TotalCost, p.CarbonFootprint, p.IssuedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return pp
}
