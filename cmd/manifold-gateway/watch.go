package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/realtime"
	"github.com/gbear605/manifold/internal/storage/sqlite"
)

var (
	watchFeedURL string
	watchViewer  string
	watchPoll    time.Duration
)

// watchCmd follows the comments of one contract and logs every change
var watchCmd = &cobra.Command{
	Use:   "watch <contractID>",
	Short: "Follow the comments of a contract",
	Long: `Loads the comments of a contract from the store, subscribes to
contract_comments changes on a gateway realtime endpoint and logs the thread
whenever it changes.

With --poll the store is also checked for newer comments on that interval,
which catches rows written while the feed was disconnected.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFeedURL, "feed", "", "realtime websocket URL (default: realtime.feedUrl from config)")
	watchCmd.Flags().StringVar(&watchViewer, "viewer", "", "user id whose hidden comments are shown")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 0, "interval for loading newer comments from the store (0 disables)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	contractID := args[0]

	feedURL := watchFeedURL
	if feedURL == "" {
		feedURL = cfg.Realtime.FeedURL
	}
	if feedURL == "" {
		return errors.New("no feed URL: pass --feed or set realtime.feedUrl")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.OpenAndMigrate(ctx, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	feed := realtime.NewFeedClient(realtime.FeedConfig{
		URL:               feedURL,
		ReconnectInterval: cfg.Realtime.GetReconnectIntervalDuration(),
	}, logger)
	if err := feed.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect feed: %w", err)
	}
	defer feed.Close()

	hub := realtime.NewHub(0, logger)
	defer hub.Close()
	hub.Register("gateway", feed)

	comments, err := realtime.NewCommentSync(ctx, hub, store, contractID, watchViewer, realtime.LoadNewerConfig{
		Attempts: cfg.Realtime.LoadNewerAttempts,
		Backoff:  cfg.Realtime.GetLoadNewerBackoffDuration(),
	}, logger)
	if err != nil {
		return err
	}
	defer comments.Close()

	logThread(logger, contractID, comments.Comments())
	comments.OnChange(func([]model.Comment) {
		logThread(logger, contractID, comments.Comments())
	})

	if watchPoll <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(watchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := comments.LoadNewer(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("failed to load newer comments")
			}
		}
	}
}
