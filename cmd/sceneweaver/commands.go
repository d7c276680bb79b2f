// cmd/sceneweaver/commands.go
package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Corphon/SceneWeaver/internal/app"
	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/grammar"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/services"
)

// withBranch 打开 --sim 指定的模拟并运行 fn。生成中的文本实时写到标准错误，
// 结束后打印故事窗口。
func (c *cli) withBranch(cmd *cobra.Command, fn func(ctx context.Context, b *services.StoryBranchService) error) error {
	if c.simulationID == "" {
		return apperrors.NewValidationError("no simulation selected: pass --sim or set SCENEWEAVER_SIMULATION", nil)
	}
	return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
		b, err := a.Branch(ctx, c.simulationID)
		if err != nil {
			return err
		}

		events, unsubscribe := b.Subscribe(64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				if ev.Kind == services.EventToken {
					fmt.Fprint(cmd.ErrOrStderr(), ev.Text)
				}
			}
		}()
		err = fn(ctx, b)
		unsubscribe()
		<-done
		if err != nil {
			return err
		}
		renderWindow(cmd.OutOrStdout(), b)
		return nil
	})
}

// simpleCmd 无参数、只调用一次分支操作的命令
func (c *cli) simpleCmd(use, short string, op func(*services.StoryBranchService, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				return op(b, ctx)
			})
		},
	}
}

func (c *cli) newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <scenario>",
		Short: "Start a simulation from a scenario file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sim, err := a.CreateSimulation(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sim.ID)
				return nil
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List simulations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sims, err := a.Simulations().List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSCENARIO\tCREATED")
				for _, sim := range sims {
					fmt.Fprintf(w, "%s\t%s\t%s\n", sim.ID, sim.ScenarioID, sim.CreatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func (c *cli) scenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List scenario files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				names, err := a.Scenarios().List()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <simulation>",
		Short: "Delete a simulation and its whole update tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Simulations().Delete(ctx, args[0])
			})
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the story window around the current update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				for all {
					n, err := b.LoadMoreHistory(ctx)
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "load the whole history")
	return cmd
}

func (c *cli) nextCmd() *cobra.Command {
	return c.simpleCmd("next", "Let the writer continue the story", (*services.StoryBranchService).PredictNext)
}

func (c *cli) sayCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "say <text...>",
		Short: "Add a line written by the player",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var speaker *string
			if as != "" && as != models.NarratorID {
				speaker = &as
			}
			text := strings.Join(args, " ")
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				return b.Say(ctx, speaker, text)
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "speaking character, narrator when empty")
	return cmd
}

func (c *cli) episodeCmd() *cobra.Command {
	return c.simpleCmd("episode", "Play the next chunk of the starter episode", (*services.StoryBranchService).AdvanceEpisode)
}

func (c *cli) regenCmd() *cobra.Command {
	return c.simpleCmd("regen", "Generate another variant of the current update", (*services.StoryBranchService).CreateVariant)
}

func (c *cli) chooseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "choose <variant>",
		Short: "Switch the current update to another variant, counting from 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			if n == 0 {
				return apperrors.NewValidationError("variants are numbered from 1", nil)
			}
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				return b.ChooseVariant(ctx, n-1)
			})
		},
	}
}

func (c *cli) backCmd() *cobra.Command {
	return c.simpleCmd("back", "Move to the previous update", (*services.StoryBranchService).GoBack)
}

func (c *cli) forwardCmd() *cobra.Command {
	return c.simpleCmd("forward", "Move to the next update", (*services.StoryBranchService).GoForward)
}

func (c *cli) jumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jump <index>",
		Short: "Move to a loaded update by its window index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				return b.JumpToIndex(ctx, index)
			})
		},
	}
}

func (c *cli) consolidateCmd() *cobra.Command {
	var opts services.ConsolidateOptions
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Fold recent updates into a new checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				return b.Consolidate(ctx, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Resummarize, "resummarize", false, "regenerate the summary of an already consolidated update")
	return cmd
}

func (c *cli) editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <command...>",
		Short: `Edit the stage directly, e.g. edit 'setScene("garden")'`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds, err := grammar.ParseCommands(strings.Join(args, "\n"))
			if err != nil {
				return err
			}
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				if err := b.ApplyManualCommands(ctx, cmds); err != nil {
					return err
				}
				return b.CommitCurrentState(ctx)
			})
		},
	}
}

func (c *cli) preferCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "prefer <like|dislike|clear>",
		Short:     "Rate the current update",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"like", "dislike", "clear"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var pref models.Preference
			switch args[0] {
			case "like":
				pref = models.Like()
			case "dislike":
				pref = models.Dislike()
			case "clear":
			default:
				return apperrors.NewValidationError(fmt.Sprintf("unknown preference %q", args[0]), nil)
			}
			return c.withBranch(cmd, func(ctx context.Context, b *services.StoryBranchService) error {
				current, ok := b.Current()
				if !ok {
					return apperrors.NewInvalidTransitionError("simulation has no updates yet")
				}
				v, err := current.ChosenVariant()
				if err != nil {
					return err
				}
				return b.SetPreference(ctx, v.Writer.ID, pref)
			})
		},
	}
}

func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperrors.NewValidationError(fmt.Sprintf("invalid index %q", s), err)
	}
	return n, nil
}

// ---- 输出 ----

func renderWindow(w io.Writer, b *services.StoryBranchService) {
	sim := b.Simulation()
	name := sim.ScenarioID
	if sc := b.Scenario(); sc != nil && sc.Name != "" {
		name = sc.Name
	}
	fmt.Fprintf(w, "== %s (%s)\n", name, sim.ID)

	historical := b.Historical()
	recent := b.Recent()
	future := b.Future()
	index := 0
	for _, u := range historical {
		renderUpdate(w, index, u, ' ')
		index++
	}
	if len(historical) > 0 || len(recent) > 0 {
		cp := b.Checkpoint()
		if cp.Summary != nil {
			fmt.Fprintf(w, "   -- summary: %s\n", *cp.Summary)
		}
	}
	for i, u := range recent {
		marker := byte(' ')
		if i == len(recent)-1 {
			marker = '>'
		}
		renderUpdate(w, index, u, marker)
		index++
	}
	for _, u := range future {
		renderUpdate(w, index, u, ' ')
		index++
	}
	if index == 0 {
		fmt.Fprintln(w, "   (no updates yet)")
	}

	state := b.State()
	fmt.Fprintf(w, "-- scene: %s\n", state.SceneID)
	for _, ch := range state.Characters {
		fmt.Fprintf(w, "   %s: %s, %s\n", ch.ID, ch.OutfitID, ch.ExpressionID)
	}
	if e := state.CurrentEpisode; e != nil && !e.Done() {
		fmt.Fprintf(w, "-- episode %s: %d/%d\n", e.ID, e.NextChunkIndex, e.TotalChunks)
	}
	if b.Dirty() {
		fmt.Fprintln(w, "-- uncommitted stage edits")
	}
}

func renderUpdate(w io.Writer, index int, u services.Update, marker byte) {
	v, err := u.ChosenVariant()
	if err != nil {
		fmt.Fprintf(w, "%c%3d  <invalid: %v>\n", marker, index, err)
		return
	}
	line := fmt.Sprintf("%c%3d  %s %s", marker, index, formatClock(v.Writer.SimulationDayClock),
		grammar.RenderWriterLine(v.Writer.CharacterID, v.Writer.Text))
	if len(u.Variants) > 1 {
		line += fmt.Sprintf("  [%d/%d]", u.Chosen+1, len(u.Variants))
	}
	if p := v.Writer.Preference; p != nil {
		if *p {
			line += "  +"
		} else {
			line += "  -"
		}
	}
	fmt.Fprintln(w, line)
}

func formatClock(minutes int) string {
	minutes %= 24 * 60
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
