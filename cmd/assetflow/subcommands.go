package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/assetflow/internal/core"
	"github.com/3cpo-dev/assetflow/internal/deploy"
	"github.com/3cpo-dev/assetflow/internal/task"
)

// Load the config named by --config
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Build an orchestrator from the command flags
func resolveOrchestrator(cmd *cobra.Command) (*core.Orchestrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return core.New(cfg)
}

// runTask runs name to completion and releases the orchestrator.
func runTask(cmd *cobra.Command, name string) error {
	o, err := resolveOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Shutdown")
		}
	}()
	return o.Run(cmd.Context(), name)
}

func newTaskCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, name)
		},
	}
}

// Build the site once
func newBuildCmd() *cobra.Command {
	return newTaskCmd(core.TaskBuild, "Clean and build source/ into build/")
}

// Build, serve and watch
func newStartCmd() *cobra.Command {
	return newTaskCmd(core.TaskStart, "Build, then serve build/ with live reload and watch source/")
}

func newDefaultCmd() *cobra.Command {
	return newTaskCmd(core.TaskDefault, "Same as start")
}

// Build and upload
func newDeployCmd() *cobra.Command {
	return newTaskCmd(core.TaskDeploy, "Build, then upload build/ to the deploy target over SFTP")
}

// Run any registered task
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a registered task by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, args[0])
		},
	}
}

// List the task graph
func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks and their composition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := resolveOrchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Shutdown(context.Background())
			reg := o.Registry()
			for _, name := range reg.Names() {
				t, err := reg.Resolve(name)
				if err != nil {
					return err
				}
				printTask(cmd.OutOrStdout(), t, 0)
			}
			return nil
		},
	}
}

// printTask writes a registered task and, for groups, its children. Named
// children are listed by name only; they are printed in full on their own line.
func printTask(w io.Writer, t *task.Task, depth int) {
	fmt.Fprintf(w, "%s%s (%s)\n", strings.Repeat("  ", depth), t.Name, t.Kind())
	if g, ok := t.Runnable.(*task.Group); ok {
		printChildren(w, g, depth+1)
	}
}

func printChildren(w io.Writer, g *task.Group, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, c := range g.Children() {
		switch c := c.(type) {
		case *task.Task:
			fmt.Fprintf(w, "%s- %s\n", indent, c.Name)
		case *task.Group:
			fmt.Fprintf(w, "%s- <%s>\n", indent, c.Kind())
			printChildren(w, c, depth+1)
		default:
			fmt.Fprintf(w, "%s- <%s>\n", indent, task.KindOf(c))
		}
	}
}

// Show recent runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [task]",
		Short: "Show recent task runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("run history is disabled in the config")
			}
			store, err := core.NewStore(cfg.HistoryPath())
			if err != nil {
				return err
			}
			defer store.Close()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			runs, err := store.Recent(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.Task, r.Status, humanize.Time(r.StartedAt), r.Duration.Round(time.Millisecond), firstLine(r.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Generate the deploy key
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 deploy key and known_hosts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keyPath := cfg.Abs(cfg.Deploy.KeyPath)
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(keyPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", keyPath)
			}
			pub, err := deploy.GenerateEd25519Keypair(keyPath, "assetflow-deploy")
			if err != nil {
				return err
			}
			if err := deploy.EnsureKnownHostsFile(cfg.Abs(cfg.Deploy.KnownHosts)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(pub))
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "replace an existing key")
	return cmd
}
