// Command rtctl operates on the realtime service's stores: it applies schema
// migrations, tails topic logs, replays game rooms and prints leaderboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mystify/realtime/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the connection flags shared by every subcommand. Unset flags
// fall back to the service configuration.
type options struct {
	databaseURL string
	redisAddr   string
}

func (o *options) resolve() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisAddr != "" {
		cfg.RedisAddr = o.redisAddr
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "rtctl",
		Short:         "Operate on the realtime service's event log and game state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "Postgres URL (default: DATABASE_URL)")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", "", "Redis address (default: REDIS_ADDR)")

	root.AddCommand(
		newMigrateCmd(opts),
		newTailCmd(opts),
		newReplayCmd(opts),
		newLeaderboardCmd(opts),
	)
	return root
}
