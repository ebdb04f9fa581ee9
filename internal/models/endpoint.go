package models

import "time"

// Endpoint is a generated public address bound to a single Trello card.
// The address is immutable for the endpoint's lifetime; only the filter
// (and the owner's cached token) change after creation.
type Endpoint struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Card      string    `json:"card"`
	Member    string    `json:"member"`
	Token     string    `json:"-"`
	Filter    string    `json:"filter"`
	CreatedAt time.Time `json:"created_at"`
}
