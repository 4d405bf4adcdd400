// Package model holds the entity shapes exchanged with the backing stores.
package model

// Contract is a prediction market as served by the document API.
type Contract struct {
	ID              string  `json:"id"`
	Slug            string  `json:"slug"`
	Question        string  `json:"question"`
	CreatorID       string  `json:"creatorId"`
	CreatedTime     int64   `json:"createdTime"`
	OutcomeType     string  `json:"outcomeType"`
	Mechanism       string  `json:"mechanism,omitempty"`
	Visibility      string  `json:"visibility,omitempty"`
	Prob            float64 `json:"prob,omitempty"`
	Volume          float64 `json:"volume"`
	IsResolved      bool    `json:"isResolved"`
	UniqueBettorCnt int     `json:"uniqueBettorCount"`
}
