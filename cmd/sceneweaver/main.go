// cmd/sceneweaver/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Corphon/SceneWeaver/internal/app"
	"github.com/Corphon/SceneWeaver/internal/config"
)

// cli 一次命令执行期间的共享状态
type cli struct {
	simulationID string
	verbose      bool
	// logger 非空时替代按配置初始化的日志
	logger *zap.Logger

	cfg *config.Config
}

// withApp 构建应用、运行 fn 并关闭应用
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	var opts []app.Option
	if c.logger != nil {
		opts = append(opts, app.WithLogger(c.logger))
	}
	a, err := app.New(cmd.Context(), c.cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); err == nil {
			err = cerr
		}
	}()
	return fn(cmd.Context(), a)
}

func newRootCmd() *cobra.Command {
	return (&cli{}).rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sceneweaver",
		Short: "Drive a branching narrative simulation",
		Long: `sceneweaver drives a simulation made of a writer and a director model.

Every command operates on the simulation named by --sim (or SCENEWEAVER_SIMULATION)
and prints the resulting story window.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.simulationID == "" {
				c.simulationID = os.Getenv("SCENEWEAVER_SIMULATION")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			switch {
			case c.verbose:
				cfg.Debug = true
			case os.Getenv("SCENEWEAVER_LOG_LEVEL") == "":
				// 日志与故事输出共用终端
				cfg.LogLevel = "warn"
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.simulationID, "sim", "", "simulation id")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		c.newCmd(),
		c.listCmd(),
		c.scenariosCmd(),
		c.deleteCmd(),
		c.showCmd(),
		c.nextCmd(),
		c.sayCmd(),
		c.episodeCmd(),
		c.regenCmd(),
		c.chooseCmd(),
		c.backCmd(),
		c.forwardCmd(),
		c.jumpCmd(),
		c.consolidateCmd(),
		c.editCmd(),
		c.preferCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
