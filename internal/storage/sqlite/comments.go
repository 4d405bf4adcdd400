package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/realtime"
)

const commentColumns = `comment_id, contract_id, user_id, user_name, user_avatar_url, content, reply_to_comment_id, hidden, created_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (model.Comment, error) {
	var c model.Comment
	var hidden, created int64
	if err := row.Scan(&c.ID, &c.ContractID, &c.UserID, &c.UserName, &c.UserAvatarURL,
		&c.Content, &c.ReplyToCommentID, &hidden, &created); err != nil {
		return model.Comment{}, err
	}
	c.Hidden = hidden != 0
	c.CreatedTime = unixMillisToTime(created)
	return c, nil
}

func (s *Store) queryComments(ctx context.Context, query string, args ...any) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	comments := make([]model.Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

// CommentRows returns every comment on contractID, hidden ones included,
// oldest first
func (s *Store) CommentRows(ctx context.Context, contractID string) ([]model.Comment, error) {
	return s.queryComments(ctx,
		`SELECT `+commentColumns+` FROM contract_comments
		 WHERE contract_id = ?
		 ORDER BY created_time, comment_id`,
		contractID,
	)
}

// CommentsByContract returns the comments on contractID viewerID may see,
// oldest first
func (s *Store) CommentsByContract(ctx context.Context, contractID, viewerID string) ([]model.Comment, error) {
	return s.queryComments(ctx,
		`SELECT `+commentColumns+` FROM contract_comments
		 WHERE contract_id = ? AND (hidden = 0 OR (? <> '' AND user_id = ?))
		 ORDER BY created_time, comment_id`,
		contractID, viewerID, viewerID,
	)
}

// NewCommentRows returns comments on contractID created strictly after
// after, excluding hidden comments of other users
func (s *Store) NewCommentRows(ctx context.Context, contractID string, after time.Time, viewerID string) ([]model.Comment, error) {
	return s.queryComments(ctx,
		`SELECT `+commentColumns+` FROM contract_comments
		 WHERE contract_id = ? AND created_time > ? AND (hidden = 0 OR (? <> '' AND user_id = ?))
		 ORDER BY created_time, comment_id`,
		contractID, timeToUnixMillis(after), viewerID, viewerID,
	)
}

// RecentCommentRows returns the latest limit visible comments across all
// contracts, oldest first
func (s *Store) RecentCommentRows(ctx context.Context, limit int) ([]model.Comment, error) {
	if limit <= 0 {
		return []model.Comment{}, nil
	}
	comments, err := s.queryComments(ctx,
		`SELECT `+commentColumns+` FROM contract_comments
		 WHERE hidden = 0
		 ORDER BY created_time DESC, comment_id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
		comments[i], comments[j] = comments[j], comments[i]
	}
	return comments, nil
}

// CountComments returns the number of visible comments on contractID
func (s *Store) CountComments(ctx context.Context, contractID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contract_comments WHERE contract_id = ? AND hidden = 0`,
		contractID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return n, nil
}

// Comment returns one comment by id
func (s *Store) Comment(ctx context.Context, commentID string) (model.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM contract_comments WHERE comment_id = ?`,
		commentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Comment{}, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return model.Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// InsertComment stores a new comment and publishes an INSERT. A missing id
// or creation time is filled in.
func (s *Store) InsertComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	if strings.TrimSpace(c.ContractID) == "" {
		return model.Comment{}, fmt.Errorf("contract id is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return model.Comment{}, fmt.Errorf("user id is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedTime.IsZero() {
		c.CreatedTime = s.now()
	}
	c.CreatedTime = unixMillisToTime(timeToUnixMillis(c.CreatedTime))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contract_comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ContractID, c.UserID, c.UserName, c.UserAvatarURL,
		c.Content, c.ReplyToCommentID, boolToInt(c.Hidden), timeToUnixMillis(c.CreatedTime),
	)
	if isConstraintError(err) {
		return model.Comment{}, fmt.Errorf("comment %s: %w", c.ID, ErrConflict)
	}
	if err != nil {
		return model.Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	s.publish(realtime.TableContractComments, realtime.EventInsert, c)
	return c, nil
}

// UpdateComment replaces the content and hidden flag of an existing comment
// and publishes an UPDATE with the stored row
func (s *Store) UpdateComment(ctx context.Context, commentID, content string, hidden bool) (model.Comment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contract_comments SET content = ?, hidden = ? WHERE comment_id = ?`,
		content, boolToInt(hidden), commentID,
	)
	if err != nil {
		return model.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Comment{}, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}

	c, err := s.Comment(ctx, commentID)
	if err != nil {
		return model.Comment{}, err
	}
	s.publish(realtime.TableContractComments, realtime.EventUpdate, c)
	return c, nil
}

// DeleteComment removes a comment and publishes a DELETE with the old row
func (s *Store) DeleteComment(ctx context.Context, commentID string) error {
	c, err := s.Comment(ctx, commentID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM contract_comments WHERE comment_id = ?`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	s.publish(realtime.TableContractComments, realtime.EventDelete, c)
	return nil
}

var _ realtime.CommentStore = (*Store)(nil)
