package model

// Attribute names written by the attribute extractor.
const (
	AttrAuthor            = "author"
	AttrDate              = "date"
	AttrNormalizedSubject = "subject-normalized"
	AttrIssueKey          = "issue-key"
)

// Attribute is a derived fact about an indexed message. A message may
// carry several attributes with the same name.
type Attribute struct {
	MessageID string `json:"message_id" db:"message_id"`
	Name      string `json:"name" db:"name"`
	Value     string `json:"value" db:"value"`
}

// IndexStats summarises the contents of the datastore.
type IndexStats struct {
	Conversations int `json:"conversations" db:"conversations"`
	Messages      int `json:"messages" db:"messages"`
	Ghosts        int `json:"ghosts" db:"ghosts"`
	Folders       int `json:"folders" db:"folders"`
}
