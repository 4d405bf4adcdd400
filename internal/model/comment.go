package model

import "time"

// Comment is a row of the contract_comments table.
type Comment struct {
	ID               string    `json:"comment_id"`
	ContractID       string    `json:"contract_id"`
	UserID           string    `json:"user_id"`
	UserName         string    `json:"user_name"`
	UserAvatarURL    string    `json:"user_avatar_url,omitempty"`
	Content          string    `json:"content"`
	ReplyToCommentID string    `json:"reply_to_comment_id,omitempty"`
	Hidden           bool      `json:"hidden,omitempty"`
	CreatedTime      time.Time `json:"created_time"`
}

// RowID returns the comment id
func (c Comment) RowID() string { return c.ID }

// RowCreatedTime returns the creation time used to order comments
func (c Comment) RowCreatedTime() time.Time { return c.CreatedTime }

// VisibleTo reports whether viewerID may see the comment. Hidden comments are
// visible only to their author.
func (c Comment) VisibleTo(viewerID string) bool {
	return !c.Hidden || (viewerID != "" && c.UserID == viewerID)
}
