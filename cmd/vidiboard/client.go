package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/vidiboard"
	"github.com/jpalmerr/vidiboard/internal/poller"
	"github.com/jpalmerr/vidiboard/internal/protocol"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// publishCmd publishes a definition file to a running service.
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a dashboard definition",
	Long: `Publish a JSON or JSONC dashboard definition to a running service.

Publishing under an existing id replaces that dashboard; connected viewers
receive the new definition. With --wait the command blocks until the
dashboard's artifact is built.

Example:
  vidiboard publish -f loss.json --name "Training loss" --tag ml
  vidiboard publish -f loss.jsonc --id loss --permanent --wait
  cat loss.json | vidiboard publish -f -`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

// waitCmd waits for dashboard artifacts.
var waitCmd = &cobra.Command{
	Use:   "wait <id>...",
	Short: "Wait until dashboard artifacts are built",
	Long: `Request the artifact of each dashboard and wait until its build settles.

Exit codes:
  0 - Every artifact is ready
  1 - At least one build failed or timed out`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWait,
}

// followCmd streams a dashboard's live updates.
var followCmd = &cobra.Command{
	Use:   "follow <id>",
	Short: "Stream live updates of a dashboard",
	Long: `Open a viewer session and print every event as a JSON line.

The session reconnects after network failures and resumes from the last
event received. It ends when interrupted or when the dashboard is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runFollow,
}

func init() {
	rootCmd.AddCommand(publishCmd, waitCmd, followCmd)

	for _, c := range []*cobra.Command{publishCmd, waitCmd, followCmd} {
		c.Flags().StringP("server", "s", defaultServer, "service base URL")
	}
	for _, c := range []*cobra.Command{publishCmd, waitCmd} {
		c.Flags().Duration("poll-interval", poller.DefaultPollInterval, "time between compile status polls")
		c.Flags().Int("max-polls", poller.DefaultMaxPolls, "polls before giving up on a build")
	}

	publishCmd.Flags().StringP("file", "f", "", "definition file, or - for stdin (required)")
	publishCmd.Flags().String("id", "", "publish under this id, replacing any existing dashboard")
	publishCmd.Flags().String("name", "", "display name")
	publishCmd.Flags().String("owner", "", "owner")
	publishCmd.Flags().StringSlice("tag", nil, "tag (repeatable)")
	publishCmd.Flags().Bool("permanent", false, "never evict the dashboard")
	publishCmd.Flags().Duration("ttl", 0, "evict after this long without access (0 uses the service default)")
	publishCmd.Flags().Bool("wait", false, "wait for the artifact to be built")
	_ = publishCmd.MarkFlagRequired("file")

	waitCmd.Flags().Int("concurrency", 4, "dashboards waited on at once")
}

func newClient(cmd *cobra.Command) (*poller.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	return poller.NewClient(server)
}

func newWaiter(cmd *cobra.Command, client *poller.Client) *poller.Waiter {
	interval, _ := cmd.Flags().GetDuration("poll-interval")
	maxPolls, _ := cmd.Flags().GetInt("max-polls")
	return poller.NewWaiter(client, interval, maxPolls)
}

func readDefinition(cmd *cobra.Command, path string) (vidiboard.Definition, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return vidiboard.Definition{}, fmt.Errorf("failed to read definition: %w", err)
	}
	return vidiboard.ParseDefinition(raw)
}

func runPublish(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	def, err := readDefinition(cmd, path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	req := poller.PublishRequest{Dashboard: def.JSON()}
	req.ID, _ = flags.GetString("id")
	req.Name, _ = flags.GetString("name")
	req.Owner, _ = flags.GetString("owner")
	req.Tags, _ = flags.GetStringSlice("tag")
	req.Permanent, _ = flags.GetBool("permanent")
	if ttl, _ := flags.GetDuration("ttl"); ttl != 0 {
		if req.Permanent {
			return errors.New("--ttl cannot be combined with --permanent")
		}
		secs := int64(ttl / time.Second)
		req.TTLSeconds = &secs
	}

	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dash, err := client.Publish(ctx, req)
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", green("Published"), bold(dash.ID))
	fmt.Fprintf(out, "  Hash:   %s\n", shortHash(dash.Hash))
	fmt.Fprintf(out, "  Plots:  %d\n", dash.PlotCount)
	if dash.ViewerURL != "" {
		fmt.Fprintf(out, "  Viewer: %s\n", dash.ViewerURL)
	}

	if wait, _ := flags.GetBool("wait"); !wait {
		return nil
	}

	status, err := newWaiter(cmd, client).Wait(ctx, dash.ID)
	if err != nil {
		fmt.Fprintf(out, "  Build:  %s\n", red(string(status.Status)))
		return fmt.Errorf("artifact for %s: %w", dash.ID, err)
	}
	fmt.Fprintf(out, "  Build:  %s\n", green(string(status.Status)))
	fmt.Fprintf(out, "  Artifact: %s\n", status.ArtifactURL)
	return nil
}

func runWait(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	sched := poller.NewScheduler(newWaiter(cmd, client), args, concurrency, logger)
	sched.Start(ctx)
	defer sched.Stop()

	out := cmd.OutOrStdout()
	failed := 0
	for res := range sched.Results() {
		elapsed := res.Elapsed.Round(time.Millisecond)
		if res.Err != nil {
			failed++
			fmt.Fprintf(out, "%s %s (%s): %v\n", red("✗"), bold(res.DashboardID), elapsed, res.Err)
			continue
		}

		status := green(string(res.Status.Status))
		if res.Status.Artifact != nil && res.Status.Artifact.Fallback {
			status = yellow("ready (fallback)")
		}
		fmt.Fprintf(out, "%s %s %s (%s) %s\n", green("✓"), bold(res.DashboardID), status, elapsed, res.Status.ArtifactURL)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d dashboards did not become ready", failed, len(args))
	}
	return nil
}

func runFollow(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	f := &poller.Follower{
		URL:    client.WebSocketURL(args[0]),
		Logger: logger,
		Handle: func(m protocol.Message) {
			_ = enc.Encode(m)
		},
	}

	err = f.Run(ctx)
	if errors.Is(err, poller.ErrDashboardClosed) {
		fmt.Fprintln(cmd.ErrOrStderr(), yellow("dashboard closed: "+args[0]))
		return nil
	}
	return err
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
