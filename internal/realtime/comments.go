package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/model"
)

// TableContractComments is the comments table
const TableContractComments = "contract_comments"

const (
	DefaultLoadNewerAttempts = 10
	DefaultLoadNewerBackoff  = 100 * time.Millisecond

	// loadNewerLookback is how far back LoadNewer looks when no rows are held
	loadNewerLookback = 500 * time.Millisecond
)

// CommentStore reads comment rows
type CommentStore interface {
	CommentRows(ctx context.Context, contractID string) ([]model.Comment, error)
	NewCommentRows(ctx context.Context, contractID string, after time.Time, viewerID string) ([]model.Comment, error)
	RecentCommentRows(ctx context.Context, limit int) ([]model.Comment, error)
}

// LoadNewerConfig bounds LoadNewer polling
type LoadNewerConfig struct {
	Attempts int
	// Backoff is multiplied by the attempt number between attempts
	Backoff time.Duration
}

// CommentSync keeps the comments on one contract in sync
type CommentSync struct {
	*Sync[model.Comment]

	store      CommentStore
	contractID string
	viewerID   string
	cfg        LoadNewerConfig
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCommentSync loads the comments on contractID and subscribes to changes
// of contract_comments filtered by contract_id. viewerID may be empty.
func NewCommentSync(ctx context.Context, feed ChangeFeed, store CommentStore, contractID, viewerID string, cfg LoadNewerConfig, logger zerolog.Logger) (*CommentSync, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultLoadNewerAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultLoadNewerBackoff
	}

	s, err := NewSync(ctx, feed, TableContractComments, &Filter{K: "contract_id", V: contractID},
		func(ctx context.Context) ([]model.Comment, error) {
			return store.CommentRows(ctx, contractID)
		}, logger)
	if err != nil {
		return nil, err
	}

	return &CommentSync{
		Sync:       s,
		store:      store,
		contractID: contractID,
		viewerID:   viewerID,
		cfg:        cfg,
		logger:     logger.With().Str("component", "comment-sync").Str("contractID", contractID).Logger(),
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

// Comments returns the comments the viewer may see, oldest first
func (c *CommentSync) Comments() []model.Comment {
	rows := c.Rows()
	out := rows[:0]
	for _, row := range rows {
		if row.VisibleTo(c.viewerID) {
			out = append(out, row)
		}
	}
	return out
}

// LoadNewer polls for comments created after the newest one held, for when
// the caller knows a comment was just written but the change event may not
// have arrived yet. Found rows are upserted. It gives up silently after the
// configured number of attempts. Edits to existing comments are not detected.
func (c *CommentSync) LoadNewer(ctx context.Context) error {
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		after := c.now().Add(-loadNewerLookback)
		if latest, ok := c.Latest(); ok {
			after = latest.CreatedTime
		}

		rows, err := c.store.NewCommentRows(ctx, c.contractID, after, c.viewerID)
		if err != nil {
			return err
		}

		if len(rows) > 0 {
			for _, row := range rows {
				change, err := NewChange(TableContractComments, EventInsert, row)
				if err != nil {
					return err
				}
				if err := c.Dispatch(change); err != nil {
					return err
				}
			}
			c.logger.Debug().Int("attempt", attempt).Int("rows", len(rows)).Msg("loaded newer comments")
			return nil
		}

		if attempt == c.cfg.Attempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.Backoff*time.Duration(attempt)); err != nil {
			return err
		}
	}

	c.logger.Debug().Int("attempts", c.cfg.Attempts).Msg("no newer comments found")
	return nil
}

// NewRecentComments keeps the latest comments across all contracts in sync.
// The initial snapshot holds at most limit rows; live changes are applied on
// top without trimming.
func NewRecentComments(ctx context.Context, feed ChangeFeed, store CommentStore, limit int, logger zerolog.Logger) (*Sync[model.Comment], error) {
	return NewSync(ctx, feed, TableContractComments, nil,
		func(ctx context.Context) ([]model.Comment, error) {
			return store.RecentCommentRows(ctx, limit)
		}, logger)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
