package model

import "time"

// Message is the index record for a single Message-ID within a
// conversation. It is distinct from the raw header held by the mail store.
//
// A message whose FolderID is nil is a ghost: it only anchors a position in
// the reference graph, either because an indexed message referenced it
// before it was seen, or because the real message was deleted while other
// members of the thread still depend on it.
type Message struct {
	ID             string `json:"id" db:"id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`

	// FolderID is the datastore folder id (see MapFolderURIToID).
	FolderID *int64 `json:"folder_id,omitempty" db:"folder_id"`

	// MessageKey identifies the header within its folder.
	MessageKey *uint32 `json:"message_key,omitempty" db:"message_key"`

	// HeaderMessageID is the Message-ID header value without angle brackets.
	HeaderMessageID string `json:"header_message_id" db:"header_message_id"`

	Subject *string `json:"subject,omitempty" db:"subject"`
	Snippet *string `json:"snippet,omitempty" db:"snippet"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsGhost reports whether the message is a placeholder with no backing
// header.
func (m Message) IsGhost() bool {
	return m.FolderID == nil
}

// InFolder reports whether the message lives in folderID.
func (m Message) InFolder(folderID int64) bool {
	return m.FolderID != nil && *m.FolderID == folderID
}

// HasKey reports whether the message lives at key within its folder.
func (m Message) HasKey(key uint32) bool {
	return m.MessageKey != nil && *m.MessageKey == key
}

// MakeGhost clears the folder location, turning the message into a ghost.
func (m *Message) MakeGhost() {
	m.FolderID = nil
	m.MessageKey = nil
}

// Locate points the message at a concrete header.
func (m *Message) Locate(folderID int64, key uint32) {
	m.FolderID = &folderID
	m.MessageKey = &key
}
