// Command scorewatch follows live balances from the score service. It merges
// the websocket push feed with periodic snapshot polls, so a missed push is
// corrected within one poll interval.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/emberdate/backend/internal/feed"
	"github.com/emberdate/backend/internal/models"
)

type options struct {
	baseURL    string
	token      string
	users      []string
	currencies []string
	interval   time.Duration
	verbose    bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "scorewatch",
		Short:        "Follow live score balances",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("SCOREWATCH_TOKEN")
			}
			if opts.token == "" {
				return fmt.Errorf("a token is required (--token or SCOREWATCH_TOKEN)")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "score service root URL")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "user JWT")
	root.PersistentFlags().StringSliceVarP(&opts.users, "user", "u", nil, "user id to watch (repeatable)")
	root.PersistentFlags().StringSliceVarP(&opts.currencies, "currency", "c", []string{"reputation", "credit"}, "currencies to watch")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log feed diagnostics to stderr")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream balance changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := opts.watcher()
			if err != nil {
				return err
			}
			w.OnChange(func(u models.ScoreUpdate) { printUpdate(out, u) })
			w.OnPresence(func(p models.PresenceRecord) {
				state := "offline"
				if p.IsOnline {
					state = "online"
				}
				fmt.Fprintf(out, "%s  %s  %s\n", p.LastSeenAt.Format(time.TimeOnly), p.UserID, state)
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}
	watch.Flags().DurationVar(&opts.interval, "poll-interval", feed.DefaultPollInterval, "snapshot poll interval")

	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current balances once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := opts.watcher()
			if err != nil {
				return err
			}
			w.OnChange(func(u models.ScoreUpdate) { printUpdate(out, u) })
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return w.Poll(ctx)
		},
	}

	root.AddCommand(watch, snapshot)
	return root
}

func (o *options) watcher() (*feed.Watcher, error) {
	users, err := parseUsers(o.users)
	if err != nil {
		return nil, err
	}
	currencies := make([]models.Currency, 0, len(o.currencies))
	for _, c := range o.currencies {
		currencies = append(currencies, models.Currency(strings.TrimSpace(c)))
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return feed.NewWatcher(feed.WatcherConfig{
		BaseURL:      o.baseURL,
		Token:        o.token,
		Users:        users,
		Currencies:   currencies,
		PollInterval: o.interval,
	}, log), nil
}

func parseUsers(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --user is required")
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func printUpdate(out io.Writer, u models.ScoreUpdate) {
	fmt.Fprintf(out, "%s  %s  %-10s  %s  (v%d, %s)\n",
		u.At.Format(time.TimeOnly), u.UserID, u.Currency, u.EffectiveTotal.StringFixed(2), u.Version, u.Reason)
}
