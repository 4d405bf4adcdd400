package batcher

import (
	"context"
	"time"

	"github.com/gbear605/manifold/internal/model"
)

// QueryType names a category of lookup sharing one backend operation and one
// result filtering policy.
type QueryType string

const (
	QueryMarkets           QueryType = "markets"
	QueryCommentReactions  QueryType = "comment-reactions"
	QueryContractReactions QueryType = "contract-reactions"
	QueryContractMetrics   QueryType = "contract-metrics"
	QueryUser              QueryType = "user"
	QueryUsers             QueryType = "users"
)

// QueryTypes returns every supported query type
func QueryTypes() []QueryType {
	return []QueryType{
		QueryMarkets,
		QueryCommentReactions,
		QueryContractReactions,
		QueryContractMetrics,
		QueryUser,
		QueryUsers,
	}
}

// ParseQueryType converts a string to a QueryType, reporting whether it is known
func ParseQueryType(s string) (QueryType, bool) {
	for _, qt := range QueryTypes() {
		if string(qt) == s {
			return qt, true
		}
	}
	return "", false
}

// Backend is the set of batch fetch operations the coordinator drives.
type Backend interface {
	MarketsByIDs(ctx context.Context, ids []string) ([]*model.Contract, error)
	Reactions(ctx context.Context, contentType model.ReactionContentType, contentIDs []string) ([]model.Reaction, error)
	ContractIDsWithMetrics(ctx context.Context, userID string, contractIDs []string) ([]string, error)
	DisplayUsers(ctx context.Context, ids []string) ([]*model.DisplayUser, error)
}

// Callback receives the value derived for one identifier.
// The dynamic type depends on the query type:
//
//	markets                       *model.Contract (nil if absent)
//	comment-reactions             []model.Reaction
//	contract-reactions            []model.Reaction
//	contract-metrics              bool
//	user                          *model.DisplayUser (nil if absent)
//	users                         []*model.DisplayUser (nil entries if absent)
type Callback func(value any)

// Typed adapts a typed function to a Callback
func Typed[T any](fn func(T)) Callback {
	return func(value any) {
		v, _ := value.(T)
		fn(v)
	}
}

// Option configures a single subscription
type Option func(*subscribeOptions)

type subscribeOptions struct {
	userID string
}

// WithUserID sets the acting user for query types that need one
func WithUserID(userID string) Option {
	return func(o *subscribeOptions) {
		o.userID = userID
	}
}

// Clock schedules the flush timer
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle returned by Clock.AfterFunc
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// State is the coordinator's scheduling state
type State int

const (
	StateIdle State = iota
	StateArmed
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// groupKey identifies a request group. userID is empty for query types that
// take no acting user.
type groupKey struct {
	queryType QueryType
	userID    string
}

// waiterKey identifies the callers waiting on one identifier
type waiterKey struct {
	groupKey
	id string
}

// requestGroup accumulates unique identifiers for one flush window
type requestGroup struct {
	key   groupKey
	query query
	ids   []string
	seen  map[string]struct{}
}

func newRequestGroup(key groupKey, q query) *requestGroup {
	return &requestGroup{
		key:   key,
		query: q,
		seen:  make(map[string]struct{}),
	}
}

// add records id, returning false if it was already present
func (g *requestGroup) add(id string) bool {
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = struct{}{}
	g.ids = append(g.ids, id)
	return true
}

// waiter is one caller's registration
type waiter struct {
	seq    uint64
	window uint64
	fn     Callback
	fail   func(error)
}
