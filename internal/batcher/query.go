package batcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/gbear605/manifold/internal/model"
)

// query is the closed set of query type variants. Each variant owns both the
// backend call for a whole group and the filter that derives one caller's
// value from that call's response.
type query interface {
	Type() QueryType
	usesUserID() bool
	fetch(ctx context.Context, b Backend, ids []string, userID string) (any, error)
	pick(resp any, id string) any
}

// lookupQuery returns the variant for qt. An unknown query type is a
// programming error and panics.
func lookupQuery(qt QueryType) query {
	switch qt {
	case QueryMarkets:
		return marketsQuery{}
	case QueryCommentReactions:
		return reactionsQuery{queryType: qt, contentType: model.ReactionOnComment}
	case QueryContractReactions:
		return reactionsQuery{queryType: qt, contentType: model.ReactionOnContract}
	case QueryContractMetrics:
		return metricsQuery{}
	case QueryUser:
		return userQuery{}
	case QueryUsers:
		return usersQuery{}
	default:
		panic(fmt.Sprintf("batcher: unknown query type %q", string(qt)))
	}
}

// marketsQuery looks up single contracts by id
type marketsQuery struct{}

func (marketsQuery) Type() QueryType  { return QueryMarkets }
func (marketsQuery) usesUserID() bool { return false }

func (marketsQuery) fetch(ctx context.Context, b Backend, ids []string, _ string) (any, error) {
	return b.MarketsByIDs(ctx, ids)
}

func (marketsQuery) pick(resp any, id string) any {
	contracts, _ := resp.([]*model.Contract)
	for _, c := range contracts {
		if c != nil && c.ID == id {
			return c
		}
	}
	return (*model.Contract)(nil)
}

// reactionsQuery returns every reaction on a piece of content
type reactionsQuery struct {
	queryType   QueryType
	contentType model.ReactionContentType
}

func (q reactionsQuery) Type() QueryType { return q.queryType }
func (reactionsQuery) usesUserID() bool  { return false }

func (q reactionsQuery) fetch(ctx context.Context, b Backend, ids []string, _ string) (any, error) {
	return b.Reactions(ctx, q.contentType, ids)
}

func (reactionsQuery) pick(resp any, id string) any {
	reactions, _ := resp.([]model.Reaction)
	matched := make([]model.Reaction, 0)
	for _, r := range reactions {
		if r.ContentID == id {
			matched = append(matched, r)
		}
	}
	return matched
}

// metricsQuery reports whether the acting user holds metrics on a contract
type metricsQuery struct{}

func (metricsQuery) Type() QueryType  { return QueryContractMetrics }
func (metricsQuery) usesUserID() bool { return true }

func (metricsQuery) fetch(ctx context.Context, b Backend, ids []string, userID string) (any, error) {
	if userID == "" {
		return []string{}, nil
	}
	return b.ContractIDsWithMetrics(ctx, userID, ids)
}

func (metricsQuery) pick(resp any, id string) any {
	contractIDs, _ := resp.([]string)
	for _, cid := range contractIDs {
		if cid == id {
			return true
		}
	}
	return false
}

// userQuery looks up a single display user
type userQuery struct{}

func (userQuery) Type() QueryType  { return QueryUser }
func (userQuery) usesUserID() bool { return false }

func (userQuery) fetch(ctx context.Context, b Backend, ids []string, _ string) (any, error) {
	return b.DisplayUsers(ctx, ids)
}

func (userQuery) pick(resp any, id string) any {
	return findUser(resp, id)
}

// usersQuery resolves comma-joined user id lists; results keep the order of
// the parts, not the order returned by the backend
type usersQuery struct{}

func (usersQuery) Type() QueryType  { return QueryUsers }
func (usersQuery) usesUserID() bool { return false }

func (usersQuery) fetch(ctx context.Context, b Backend, ids []string, _ string) (any, error) {
	seen := make(map[string]struct{})
	userIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		for _, part := range splitComposite(id) {
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			userIDs = append(userIDs, part)
		}
	}
	return b.DisplayUsers(ctx, userIDs)
}

func (usersQuery) pick(resp any, id string) any {
	parts := splitComposite(id)
	users := make([]*model.DisplayUser, len(parts))
	for i, part := range parts {
		users[i] = findUser(resp, part)
	}
	return users
}

func findUser(resp any, id string) *model.DisplayUser {
	users, _ := resp.([]*model.DisplayUser)
	for _, u := range users {
		if u != nil && u.ID == id {
			return u
		}
	}
	return nil
}

// splitComposite splits a comma-joined identifier into its parts
func splitComposite(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, ",")
}
