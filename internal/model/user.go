package model

// DisplayUser is the public subset of a user needed to render names and avatars.
type DisplayUser struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Username            string `json:"username"`
	AvatarURL           string `json:"avatarUrl"`
	IsBannedFromPosting bool   `json:"isBannedFromPosting,omitempty"`
}
