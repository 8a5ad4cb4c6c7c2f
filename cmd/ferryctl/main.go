// Package main is the entrypoint for ferryctl, the Ferry command-line client.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/ferry/internal/client"
	"github.com/MacJediWizard/ferry/internal/config"
	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var configPath string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ferryctl",
		Short: "Move containers between servers and snapshot their volumes",
		Long: `ferryctl drives a Ferry server.

Run 'ferryctl configure --server URL' first, then paste the value of the
ferry_session cookie from a logged-in browser.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.ferry/config.yml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigureCmd(),
		newStatusCmd(),
		newServersCmd(),
		newDeploymentsCmd(),
		newMigrateCmd(),
		newCancelCmd(),
		newSnapshotsCmd(),
	)
	return rootCmd
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.CLIConfig, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// apiClient returns a client for the configured server.
func apiClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w (run 'ferryctl configure')", err)
	}
	return client.New(cfg.ServerURL, cfg.Session), nil
}

func parseUUIDArg(name, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, value)
	}
	return id, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ferryctl %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
		},
	}
}

func newConfigureCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Save the server URL and session cookie",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := url.Parse(serverURL)
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return errors.New("server URL must use http or https scheme")
			}

			fmt.Print("Session cookie: ")
			session, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("read session: %w", err)
			}
			session = strings.TrimSpace(session)
			if session == "" {
				return errors.New("session cannot be empty")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
			cfg.Session = session

			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Configuration saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Ferry server URL (required)")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and running migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			health, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Server:   %s\n", health.Status)
			fmt.Printf("Database: %s\n", health.Database)
			if health.Error != "" {
				fmt.Printf("Error:    %s\n", health.Error)
			}

			list, err := c.ListMigrations(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("\nNo migrations running.")
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEPLOYMENT\tSTAGE\tPROGRESS\tSTARTED")
			for _, job := range list {
				fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", job.DeploymentID, job.Stage, job.Percent, humanize.Time(job.StartedAt))
			}
			return w.Flush()
		},
	}
}

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List your servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			servers, err := c.ListServers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s@%s\n", s.ID, s.Name, s.User, s.Address())
			}
			return w.Flush()
		},
	}
}

func newDeploymentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deployments",
		Short: "List your deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			deployments, err := c.ListDeployments(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tIMAGE\tSERVER\tSTATUS\tVOLUMES")
			for _, d := range deployments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", d.ID, d.ContainerName, d.Image, d.ServerID, d.Status, len(d.Volumes))
			}
			return w.Flush()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var (
		target         string
		newName        string
		ports          []string
		deleteOriginal bool
		checkOnly      bool
		wait           bool
	)

	cmd := &cobra.Command{
		Use:   "migrate <deployment-id>",
		Short: "Move or copy a deployment to another server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID, err := parseUUIDArg("deployment ID", args[0])
			if err != nil {
				return err
			}
			targetID, err := parseUUIDArg("target server ID", target)
			if err != nil {
				return err
			}
			newPorts, err := parsePorts(ports)
			if err != nil {
				return err
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if checkOnly {
				if newName == "" {
					return errors.New("--name is required with --check")
				}
				volumes, err := deploymentVolumes(ctx, c, deploymentID)
				if err != nil {
					return err
				}
				result, err := c.CheckConflicts(ctx, models.ConflictCheckRequest{
					TargetServerID: targetID,
					Name:           newName,
					Ports:          newPorts,
					Volumes:        volumes,
				})
				if err != nil {
					return err
				}
				if !result.HasConflict() {
					fmt.Println("No conflicts on the target server.")
					return nil
				}
				printConflicts(result, newName)
				return errors.New("conflicts found")
			}

			job, err := c.StartMigration(ctx, models.MigrateRequest{
				DeploymentID:   deploymentID,
				TargetServerID: targetID,
				NewName:        newName,
				NewPorts:       newPorts,
				DeleteOriginal: deleteOriginal,
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Conflicts != nil {
					printConflicts(apiErr.Conflicts, newName)
				}
				return err
			}
			fmt.Printf("Migration of %s started.\n", job.DeploymentID)
			if !wait {
				return nil
			}
			return waitForMigration(ctx, c, deploymentID)
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target server ID (required)")
	cmd.Flags().StringVar(&newName, "name", "", "container name on the target (default: keep)")
	cmd.Flags().StringSliceVarP(&ports, "port", "p", nil, "port mapping HOST:CONTAINER[/PROTO] on the target (repeatable)")
	cmd.Flags().BoolVar(&deleteOriginal, "delete-original", false, "remove the source container after a successful move")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only check the target for name and port conflicts")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "follow progress until the migration ends")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func printConflicts(result *conflict.Result, name string) {
	if result.NameConflict {
		fmt.Printf("Container name %q is already used on the target.\n", name)
	}
	for _, p := range result.PortConflicts {
		fmt.Printf("Host port %d is already used on the target.\n", p)
	}
	for _, p := range result.VolumeConflicts {
		fmt.Printf("Host path %s is already mounted on the target.\n", p)
	}
}

// deploymentVolumes looks up the volume mappings of one deployment.
func deploymentVolumes(ctx context.Context, c *client.Client, id uuid.UUID) ([]models.VolumeMapping, error) {
	deployments, err := c.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range deployments {
		if d.ID == id {
			return d.Volumes, nil
		}
	}
	return nil, fmt.Errorf("deployment %s not found", id)
}

// waitForMigration polls until the job leaves the registry.
func waitForMigration(ctx context.Context, c *client.Client, deploymentID uuid.UUID) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var last models.MigrationStage
	for {
		job, err := c.GetMigration(ctx, deploymentID)
		switch {
		case client.IsStatus(err, http.StatusNotFound):
			fmt.Println("Migration finished. Run 'ferryctl deployments' to see the result.")
			return nil
		case err != nil:
			return err
		}
		if job.Stage != last {
			fmt.Printf("  %-12s %3d%%  %s\n", job.Stage, job.Percent, job.Message)
			last = job.Stage
		}
		if job.Stage.IsTerminal() {
			if job.Stage == models.MigrationStageError {
				return fmt.Errorf("migration failed: %s", job.Message)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel a running migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID, err := parseUUIDArg("deployment ID", args[0])
			if err != nil {
				return err
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			job, err := c.CancelMigration(cmd.Context(), deploymentID)
			if err != nil {
				return err
			}
			fmt.Printf("Cancellation requested during %s; the migration stops at the next stage boundary.\n", job.Stage)
			return nil
		},
	}
}

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshots",
		Aliases: []string{"snapshot", "snap"},
		Short:   "Manage volume snapshots",
	}
	cmd.AddCommand(
		newSnapshotsListCmd(),
		newSnapshotsCreateCmd(),
		newSnapshotsRestoreCmd(),
		newSnapshotsDeleteCmd(),
		newSnapshotsStatsCmd(),
	)
	return cmd
}

func newSnapshotsListCmd() *cobra.Command {
	var deployment string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID := uuid.Nil
			if deployment != "" {
				id, err := parseUUIDArg("deployment ID", deployment)
				if err != nil {
					return err
				}
				deploymentID = id
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			list, err := c.ListSnapshots(cmd.Context(), deploymentID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEPLOYMENT\tSTATUS\tSIZE\tCREATED\tNOTE")
			for _, s := range list {
				size := "-"
				if s.Status == models.SnapshotStatusComplete {
					size = humanize.IBytes(uint64(s.SizeBytes))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.DeploymentID, s.Status, size, humanize.Time(s.CreatedAt), s.Note)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&deployment, "deployment", "d", "", "only list snapshots of this deployment")
	return cmd
}

func newSnapshotsCreateCmd() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "create <deployment-id>",
		Short: "Snapshot a deployment's volumes",
		Long: `Snapshot a deployment's volumes.

A running container is stopped while its volumes are archived and started again afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID, err := parseUUIDArg("deployment ID", args[0])
			if err != nil {
				return err
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			fmt.Println("Creating snapshot...")
			snap, err := c.CreateSnapshot(cmd.Context(), deploymentID, note)
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot %s created (%s).\n", snap.ID, humanize.IBytes(uint64(snap.SizeBytes)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&note, "note", "n", "", "note to store with the snapshot")
	return cmd
}

func newSnapshotsRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot into its deployment's volumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotID, err := parseUUIDArg("snapshot ID", args[0])
			if err != nil {
				return err
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			fmt.Println("Restoring snapshot...")
			result, err := c.RestoreSnapshot(cmd.Context(), snapshotID)
			if err != nil {
				return err
			}
			for _, v := range result.Restored {
				fmt.Printf("  restored %s -> %s\n", v.ContainerPath, v.HostPath)
			}
			for _, v := range result.Skipped {
				fmt.Printf("  skipped  %s (not in snapshot)\n", v.ContainerPath)
			}
			return nil
		},
	}
}

func newSnapshotsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <snapshot-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a snapshot and its archive",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotID, err := parseUUIDArg("snapshot ID", args[0])
			if err != nil {
				return err
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.DeleteSnapshot(cmd.Context(), snapshotID); err != nil {
				return err
			}
			fmt.Printf("Snapshot %s deleted.\n", snapshotID)
			return nil
		},
	}
}

func newSnapshotsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			stats, err := c.SnapshotStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Snapshots: %d (%d complete)\n", stats.SnapshotCount, stats.CompleteCount)
			fmt.Printf("Used:      %s\n", humanize.IBytes(uint64(stats.UsedBytes)))
			if stats.QuotaBytes > 0 {
				fmt.Printf("Quota:     %s (%s left)\n", humanize.IBytes(uint64(stats.QuotaBytes)), humanize.IBytes(uint64(stats.RemainingBytes())))
			} else {
				fmt.Println("Quota:     unlimited")
			}
			fmt.Printf("Disk free: %s\n", humanize.IBytes(stats.FilesystemFree))
			return nil
		},
	}
}
