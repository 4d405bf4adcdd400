package model

// ReactionContentType is the kind of content a reaction is attached to.
type ReactionContentType string

const (
	ReactionOnComment  ReactionContentType = "comment"
	ReactionOnContract ReactionContentType = "contract"
)

// Reaction is a row of the user_reactions table.
type Reaction struct {
	ReactionID     string              `json:"reaction_id"`
	ContentID      string              `json:"content_id"`
	ContentType    ReactionContentType `json:"content_type"`
	ContentOwnerID string              `json:"content_owner_id"`
	UserID         string              `json:"user_id"`
	CreatedTime    int64               `json:"created_time"`
}
