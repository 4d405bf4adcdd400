package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gbear605/manifold/internal/model"
)

// MarketsByIDs returns the stored contract documents for ids. Unknown ids
// are skipped.
func (s *Store) MarketsByIDs(ctx context.Context, ids []string) ([]*model.Contract, error) {
	if len(ids) == 0 {
		return []*model.Contract{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM contracts WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	contracts := make([]*model.Contract, 0, len(ids))
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		var c model.Contract
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode contract: %w", err)
		}
		contracts = append(contracts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return contracts, nil
}

// PutContract upserts a contract document
func (s *Store) PutContract(ctx context.Context, c *model.Contract) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("contract id is required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contracts (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		c.ID, string(data), timeToUnixMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put contract: %w", err)
	}
	return nil
}

// Reactions returns the reactions of contentType on any of contentIDs,
// oldest first
func (s *Store) Reactions(ctx context.Context, contentType model.ReactionContentType, contentIDs []string) ([]model.Reaction, error) {
	if len(contentIDs) == 0 {
		return []model.Reaction{}, nil
	}

	args := append([]any{string(contentType)}, stringArgs(contentIDs)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT reaction_id, content_id, content_type, content_owner_id, user_id, created_time
		 FROM user_reactions
		 WHERE content_type = ? AND content_id IN (`+placeholders(len(contentIDs))+`)
		 ORDER BY created_time, reaction_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	reactions := make([]model.Reaction, 0)
	for rows.Next() {
		var r model.Reaction
		var ct string
		if err := rows.Scan(&r.ReactionID, &r.ContentID, &ct, &r.ContentOwnerID, &r.UserID, &r.CreatedTime); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		r.ContentType = model.ReactionContentType(ct)
		reactions = append(reactions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return reactions, nil
}

// PutReaction records a reaction. A duplicate reaction id is ErrConflict.
func (s *Store) PutReaction(ctx context.Context, r model.Reaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_reactions (reaction_id, content_id, content_type, content_owner_id, user_id, created_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ReactionID, r.ContentID, string(r.ContentType), r.ContentOwnerID, r.UserID, r.CreatedTime,
	)
	if isConstraintError(err) {
		return fmt.Errorf("reaction %s: %w", r.ReactionID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("put reaction: %w", err)
	}
	return nil
}

// ContractIDsWithMetrics returns which of contractIDs userID holds metrics on
func (s *Store) ContractIDsWithMetrics(ctx context.Context, userID string, contractIDs []string) ([]string, error) {
	if userID == "" || len(contractIDs) == 0 {
		return []string{}, nil
	}

	args := append([]any{userID}, stringArgs(contractIDs)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT contract_id FROM user_contract_metrics
		 WHERE user_id = ? AND contract_id IN (`+placeholders(len(contractIDs))+`)
		 ORDER BY contract_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query contract metrics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contract metric: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contract metrics: %w", err)
	}
	return ids, nil
}

// PutContractMetric upserts the metrics row of userID on contractID
func (s *Store) PutContractMetric(ctx context.Context, userID, contractID string, hasShares bool, profit float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_contract_metrics (user_id, contract_id, has_shares, profit) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, contract_id) DO UPDATE SET has_shares = excluded.has_shares, profit = excluded.profit`,
		userID, contractID, boolToInt(hasShares), profit,
	)
	if err != nil {
		return fmt.Errorf("put contract metric: %w", err)
	}
	return nil
}

// DisplayUsers returns the display users for ids. Unknown ids are skipped.
func (s *Store) DisplayUsers(ctx context.Context, ids []string) ([]*model.DisplayUser, error) {
	if len(ids) == 0 {
		return []*model.DisplayUser{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, username, avatar_url, is_banned_from_posting
		 FROM users WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	users := make([]*model.DisplayUser, 0, len(ids))
	for rows.Next() {
		var u model.DisplayUser
		var banned int64
		if err := rows.Scan(&u.ID, &u.Name, &u.Username, &u.AvatarURL, &banned); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.IsBannedFromPosting = banned != 0
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// PutUser upserts a display user
func (s *Store) PutUser(ctx context.Context, u model.DisplayUser) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, username, avatar_url, is_banned_from_posting) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   username = excluded.username,
		   avatar_url = excluded.avatar_url,
		   is_banned_from_posting = excluded.is_banned_from_posting`,
		u.ID, u.Name, u.Username, u.AvatarURL, boolToInt(u.IsBannedFromPosting),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}
