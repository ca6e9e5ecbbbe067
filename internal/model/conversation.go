package model

import "time"

// Conversation groups every indexed message that shares an ancestor in
// its References chain.
type Conversation struct {
	// ID is the datastore-assigned identifier.
	ID string `json:"id" db:"id"`

	// Subject is taken from the first message indexed into the
	// conversation.
	Subject string `json:"subject" db:"subject"`

	// CreatedAt is when the conversation row was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
