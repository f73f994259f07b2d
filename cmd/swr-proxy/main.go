// Command swr-proxy runs a local caching proxy in front of the remote API and
// manages its persisted replay queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/swrcache/pkg/config"
	"github.com/Sternrassler/swrcache/pkg/replay"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swr-proxy",
		Short: "Local stale-while-revalidate proxy for the fleet API",
		Long: `swr-proxy serves API reads from a per-user local cache, refreshes stale
entries in the background, serializes writes per resource and replays writes
that failed while the API was unreachable.

Configuration is read from SWR_* environment variables.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "swr-proxy v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Listen address (overrides SWR_LISTEN_ADDR)")
	serveCmd.Flags().String("user", "", "Sign this user in on startup (overrides SWR_USER_ID)")
	rootCmd.AddCommand(serveCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect a user's persisted replay queue (daemon must be stopped)",
	}
	queueCmd.PersistentFlags().String("user", "", "User whose queue to open (overrides SWR_USER_ID)")
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		RunE:  runQueueList,
	}
	listCmd.Flags().Bool("json", false, "Print as JSON")
	queueCmd.AddCommand(listCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Replay queued mutations against the API",
		RunE:  runQueueReplay,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard every queued mutation",
		RunE:  runQueueClear,
	})
	rootCmd.AddCommand(queueCmd)

	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		cfg.UserID = user
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(rt.session, rt.client, rt.monitor, rt.logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("api", cfg.APIBaseURL).
			Str("backend", cfg.Backend).
			Msg("Starting swr-proxy")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openUserRuntime signs in the user named by --user or SWR_USER_ID with
// automatic replay disabled. Replays go through the session so successful
// mutations invalidate the user's cache.
func openUserRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		cfg.UserID = user
	}
	if cfg.UserID == "" {
		return nil, errors.New("no user given: set --user or SWR_USER_ID")
	}
	return newRuntime(cmd.Context(), cfg, false)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	rt, err := openUserRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	items := rt.session.Queue().Items()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
		return nil
	}
	printItems(cmd, items)
	return nil
}

func printItems(cmd *cobra.Command, items []replay.Item) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUED\tMETHOD\tPATH\tLOCK KEY")
	for _, item := range items {
		method, path, lockKey := "-", "-", "-"
		if item.Intent != nil {
			method, path = item.Intent.Method, item.Intent.Path
			if item.Intent.LockKey != "" {
				lockKey = item.Intent.LockKey
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.QueuedAt.Format(time.RFC3339), method, path, lockKey)
	}
	tw.Flush()
}

func runQueueReplay(cmd *cobra.Command, args []string) error {
	rt, err := openUserRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.session.Replay(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d, %d remaining\n", n, rt.session.Queue().Len())
	return err
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	rt, err := openUserRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	q := rt.session.Queue()
	n := q.Len()
	if err := q.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued mutations\n", n)
	return nil
}
