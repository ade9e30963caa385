package domain

import "time"

// ConversationTurn is one completed question/answer exchange. Turns are never
// edited after they are written.
type ConversationTurn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []string  `json:"sources,omitempty"`
}
