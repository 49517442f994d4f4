package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Foreman/internal/control"
	"github.com/CZERTAINLY/Foreman/internal/log"
	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/service"
)

var (
	flagName         string
	flagSubprocesses int
	flagType         string
)

func init() {
	createCmd.Flags().StringVar(&flagName, "name", "", "process name")
	createCmd.Flags().IntVar(&flagSubprocesses, "subprocesses", 1, "number of subprocesses")
	createCmd.Flags().StringVar(&flagType, "type", string(model.ProcessTypeA), "process type")
	_ = createCmd.MarkFlagRequired("name")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run recovers crashed work and executes processes until interrupted",
	RunE:  doRun,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "create a new process in NotStarted",
	Args:  cobra.NoArgs,
	RunE: withController("create", func(ctx context.Context, c *control.Controller, _ []string) (any, error) {
		return c.Create(ctx, flagName, flagSubprocesses, model.ProcessType(flagType))
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list all processes",
	Args:  cobra.NoArgs,
	RunE: withController("list", func(ctx context.Context, c *control.Controller, _ []string) (any, error) {
		return c.List(ctx)
	}),
}

type details struct {
	Process      model.Process      `json:"process"`
	Subprocesses []model.Subprocess `json:"subprocesses"`
}

var showCmd = &cobra.Command{
	Use:   "show <process-id>",
	Short: "show a process with its subprocesses and steps",
	Args:  cobra.ExactArgs(1),
	RunE: withController("show", func(ctx context.Context, c *control.Controller, args []string) (any, error) {
		p, err := c.Get(ctx, args[0])
		if err != nil {
			return nil, err
		}
		subs, err := c.Subprocesses(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return details{Process: p, Subprocesses: subs}, nil
	}),
}

var startCmd = &cobra.Command{
	Use:   "start <process-id>",
	Short: "make a process eligible for a fresh attempt",
	Args:  cobra.ExactArgs(1),
	RunE: withController("start", func(ctx context.Context, c *control.Controller, args []string) (any, error) {
		return c.Start(ctx, args[0])
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <process-id>",
	Short: "continue a process, skipping completed work",
	Long: `resume continues a process, skipping completed subprocesses and steps.
In local mode the process executes in the foreground until it ends.`,
	Args: cobra.ExactArgs(1),
	RunE: withController("resume", func(ctx context.Context, c *control.Controller, args []string) (any, error) {
		if _, err := c.Resume(ctx, args[0]); err != nil {
			return nil, err
		}
		c.Wait()
		return c.Get(context.WithoutCancel(ctx), args[0])
	}),
}

var revertCmd = &cobra.Command{
	Use:   "revert <process-id>",
	Short: "reset a cancelled or interrupted process for a clean restart",
	Args:  cobra.ExactArgs(1),
	RunE: withController("revert", func(ctx context.Context, c *control.Controller, args []string) (any, error) {
		return c.Revert(ctx, args[0])
	}),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <process-id>",
	Short: "cancel the queued job of a process (redis mode)",
	Long: `cancel signals the job of a process dispatched through the redis queue.
In local mode executions live inside the host running them, so cancel
reports the process as not running; stop that host to interrupt it.`,
	Args: cobra.ExactArgs(1),
	RunE: withController("cancel", func(ctx context.Context, c *control.Controller, args []string) (any, error) {
		if err := c.Cancel(ctx, args[0]); err != nil {
			return nil, err
		}
		return c.Get(ctx, args[0])
	}),
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("foreman",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	supervisor, err := service.NewSupervisor(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := supervisor.Close(); err != nil {
			slog.ErrorContext(ctx, "closing supervisor", "error", err)
		}
	}()
	return supervisor.Do(ctx)
}

// withController runs fn against a supervisor's controller and prints its
// result as JSON on stdout.
func withController(name string, fn func(context.Context, *control.Controller, []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("foreman",
			slog.String("cmd", name),
			slog.Int("pid", os.Getpid()),
		))

		supervisor, err := service.NewSupervisor(ctx, config)
		if err != nil {
			return err
		}
		defer func() {
			if err := supervisor.Close(); err != nil {
				slog.ErrorContext(ctx, "closing supervisor", "error", err)
			}
		}()

		ret, err := fn(ctx, supervisor.Controller(), args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ret)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
