// Mirad runs the MIRA persistent memory daemon: an encrypted append-only
// frame log with a semantic index kept consistent by a background
// reconciler.
//
// Usage:
//
//	# Run the daemon (reconciliation loop)
//	mirad
//
//	# One-shot operations
//	mirad store "Chose Redis for session storage"
//	mirad recall "session storage decision"
//	mirad forget <frame-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Interstitch/MIRA2-sub003/internal/config"
	"github.com/Interstitch/MIRA2-sub003/internal/logging"
	"github.com/Interstitch/MIRA2-sub003/internal/memory"
	"github.com/Interstitch/MIRA2-sub003/internal/privacy"
	"github.com/Interstitch/MIRA2-sub003/internal/services"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mirad",
	Short:   "MIRA persistent memory daemon",
	Version: version,
	RunE:    runDaemon,
}

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store content in the memory subsystem",
	Args:  cobra.ExactArgs(1),
	RunE:  runStore,
}

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall memories matching a query",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecall,
}

var forgetCmd = &cobra.Command{
	Use:   "forget [frame-id]",
	Short: "Tombstone a frame and remove it from the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

var (
	storeHint        string
	recallCollection string
	recallTopK       int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/mira/config.yaml)")
	storeCmd.Flags().StringVar(&storeHint, "class", "", "privacy class override (public|sensitive|private)")
	recallCmd.Flags().StringVar(&recallCollection, "collection", "", "restrict to one collection")
	recallCmd.Flags().IntVar(&recallTopK, "top-k", 0, "maximum result count")
	rootCmd.AddCommand(storeCmd, recallCmd, forgetCmd)
}

// setup loads config, builds the logger and the service registry.
func setup(ctx context.Context) (services.Registry, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	reg, err := services.Build(ctx, cfg, logger)
	if err != nil {
		logging.Sync(logger)
		return nil, nil, err
	}

	cleanup := func() {
		if err := reg.Close(); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		_ = logging.Sync(logger)
	}
	return reg, cleanup, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := reg.Reconciler().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := memory.StoreOptions{}
	if storeHint != "" {
		class := privacy.ClassFromString(storeHint)
		opts.Hint = &class
	}

	result, err := reg.Memory().Store(ctx, args[0], opts)
	if err != nil {
		return err
	}

	fmt.Printf("frame:      %s\n", result.FrameID)
	fmt.Printf("class:      %s\n", result.Class)
	fmt.Printf("searchable: %t\n", result.Searchable)
	if result.Searchable {
		fmt.Printf("record:     %s (%s)\n", result.RecordID, result.Collection)
	}
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	results, err := reg.Memory().Recall(ctx, args[0], memory.RecallOptions{
		Collection: recallCollection,
		TopK:       recallTopK,
	})
	if err != nil {
		return err
	}

	for _, r := range results {
		fmt.Printf("%.4f  [%s]  %s\n", r.Score, r.Collection, r.Text)
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return reg.Memory().Forget(ctx, args[0])
}
