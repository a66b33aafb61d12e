package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mystify/realtime/internal/config"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/game"
	"github.com/mystify/realtime/internal/topic"
)

func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("rtctl: no database configured, set DATABASE_URL or --database-url")
	}
	return eventlog.OpenPostgres(cfg.Postgres())
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("rtctl: redis %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := eventlog.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newTailCmd(opts *options) *cobra.Command {
	var (
		since    uint64
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail <topic>",
		Short: "Print a topic's events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := topic.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := eventlog.NewPostgresStore(db)
			if !follow {
				_, err := tail(cmd.Context(), cmd.OutOrStdout(), store, t, since)
				return err
			}
			return followTail(cmd.Context(), cmd.OutOrStdout(), store, t, since, interval)
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "print events after this sequence")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

// tail writes every event after since and returns the last sequence seen.
func tail(ctx context.Context, w io.Writer, store eventlog.Store, t topic.Topic, since uint64) (uint64, error) {
	events, err := eventlog.ReadAll(ctx, store, t, since)
	if err != nil {
		return since, err
	}
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return since, err
		}
		since = ev.Sequence
	}
	return since, nil
}

func followTail(ctx context.Context, w io.Writer, store eventlog.Store, t topic.Topic, since uint64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var err error
		if since, err = tail(ctx, w, store, t, since); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newReplayCmd(opts *options) *cobra.Command {
	var showEvents bool
	cmd := &cobra.Command{
		Use:   "replay <room-id>",
		Short: "Fold a room's log and print the resulting game state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			rdb, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			return replay(cmd.Context(), cmd.OutOrStdout(), game.NewRedisStore(rdb), eventlog.NewPostgresStore(db), args[0], showEvents)
		},
	}
	cmd.Flags().BoolVar(&showEvents, "events", false, "also list the room's events")
	return cmd
}

type replayOutput struct {
	Room   game.Room        `json:"room"`
	State  game.State       `json:"state"`
	Head   uint64           `json:"head"`
	Events []eventlog.Event `json:"events,omitempty"`
}

func replay(ctx context.Context, w io.Writer, rooms game.RoomStore, store eventlog.Store, roomID string, showEvents bool) error {
	coord := game.NewCoordinator(rooms, store, nil, nil, game.DefaultConfig())
	room, state, head, err := coord.State(ctx, roomID)
	if err != nil {
		return err
	}
	out := replayOutput{Room: room, State: state, Head: head}
	if showEvents {
		if out.Events, err = eventlog.ReadAll(ctx, store, topic.Room(room.ID), 0); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newLeaderboardCmd(opts *options) *cobra.Command {
	var (
		day   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the daily leaderboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now().UTC()
			if day != "" {
				parsed, err := time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("rtctl: invalid --day %q: %w", day, err)
				}
				at = parsed
			}
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			rdb, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			return printLeaderboard(cmd.Context(), cmd.OutOrStdout(), game.NewRedisLeaderboard(rdb), at, limit)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day as YYYY-MM-DD (default: today)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of rows")
	return cmd
}

func printLeaderboard(ctx context.Context, w io.Writer, board game.Leaderboard, day time.Time, n int) error {
	entries, err := board.Top(ctx, day, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Leaderboard %s\n", game.Day(day))
	if len(entries) == 0 {
		fmt.Fprintln(w, "  (no games finished)")
		return nil
	}
	for i, e := range entries {
		fmt.Fprintf(w, "%3d. %-24s %6d\n", i+1, e.UserID, e.Points)
	}
	return nil
}
