package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/flum/internal/catalog"
	"github.com/pders01/flum/internal/refresh"
	"github.com/pders01/flum/internal/storage"
)

var (
	flagRefreshSource string
	flagShowAll       bool
	flagSearchChannel string
	flagSearchLimit   int
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <channel>",
	Short: "Fetch new items for a channel",
	Long: `Fetch every source of the channel concurrently, store new items and print the channel.

Sources that fail are skipped silently. With --source only that source is fetched and its error is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			ch, err := a.channel(ctx, args[0])
			if err != nil {
				return err
			}

			var items []storage.StoredItem
			if flagRefreshSource != "" {
				items, err = a.service.SyncSource(ctx, flagRefreshSource)
			} else {
				items, err = a.service.SyncChannel(ctx, ch.ID)
			}
			if err != nil {
				return err
			}
			renderItems(cmd.OutOrStdout(), items, time.Now(), flagShowAll)
			return nil
		})
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items <channel>",
	Short: "Show cached items of a channel without fetching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ch, err := a.channel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			items, err := a.service.Items(cmd.Context(), ch.ID)
			if err != nil {
				return err
			}
			renderItems(cmd.OutOrStdout(), items, time.Now(), flagShowAll)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <channel>...",
	Short: "Refresh channels periodically and print them as they change",
	Long: `Refresh the channels now and then on the configured interval until interrupted.

Send SIGHUP to refresh immediately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd, a, args)
		})
	},
}

func watch(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	var channels []*catalog.Channel
	var channelIDs []string
	for _, arg := range args {
		ch, err := a.channel(ctx, arg)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
		channelIDs = append(channelIDs, ch.ID)
	}

	out := cmd.OutOrStdout()
	unsubscribe := a.store.Subscribe(func() {
		for _, ch := range channels {
			items := a.channelSnapshot(ctx, ch.ID)
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(out, "\n%s  %s\n", HeaderStyle.Render(ch.Name), TimeStyle.Render(time.Now().Format("15:04")))
			renderItems(out, items, time.Now(), flagShowAll)
		}
	})
	defer unsubscribe()

	scheduler := refresh.NewScheduler(a.service, a.cfg.Feed.RefreshInterval, channelIDs...)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				scheduler.Trigger()
			}
		}
	}()

	err := scheduler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached items older than the configured maximum age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			n, err := a.store.PruneExpired()
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d item(s) older than %s.\n", n, a.cfg.Store.MaxAge)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			var sourceIDs []string
			if flagSearchChannel != "" {
				ch, err := a.channel(cmd.Context(), flagSearchChannel)
				if err != nil {
					return err
				}
				if sourceIDs, err = a.sourceIDs(cmd.Context(), ch.ID); err != nil {
					return err
				}
				if len(sourceIDs) == 0 {
					renderSearchResults(cmd.OutOrStdout(), nil, time.Now())
					return nil
				}
			}

			results, err := a.searcher.Search(strings.Join(args, " "), flagSearchLimit, sourceIDs...)
			if err != nil {
				return fmt.Errorf("searching: %w", err)
			}
			renderSearchResults(cmd.OutOrStdout(), results, time.Now())
			return nil
		})
	},
}

func init() {
	refreshCmd.Flags().StringVar(&flagRefreshSource, "source", "", "refresh only this source id")
	refreshCmd.Flags().BoolVar(&flagShowAll, "all", false, "include items older than a day")
	itemsCmd.Flags().BoolVar(&flagShowAll, "all", false, "include items older than a day")
	watchCmd.Flags().BoolVar(&flagShowAll, "all", false, "include items older than a day")
	searchCmd.Flags().StringVar(&flagSearchChannel, "channel", "", "only search this channel")
	searchCmd.Flags().IntVar(&flagSearchLimit, "limit", 20, "maximum number of results")
}
