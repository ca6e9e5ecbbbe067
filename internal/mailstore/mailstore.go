// Package mailstore defines the narrow view of a mail store that the
// indexer consumes: accounts, folders, folder databases and headers.
// Adapters for concrete stores live in the sub-packages.
package mailstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeaderNotFound is returned when a message key or Message-ID no
	// longer resolves to a header in the folder.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrFolderNotFound is returned when a folder URI is unknown.
	ErrFolderNotFound = errors.New("folder not found")
)

// Store is the entry point into a mail store.
type Store interface {
	// Accounts enumerates the configured accounts.
	Accounts(ctx context.Context) ([]Account, error)

	// FolderByURI resolves a folder URI to a folder handle.
	FolderByURI(ctx context.Context, uri string) (Folder, error)
}

// Account is a single mail account.
type Account interface {
	Name() string
	RootFolder() Folder
}

// Folder is a node in an account's folder tree.
type Folder interface {
	// URI uniquely identifies the folder across accounts.
	URI() string

	// PrettyName is the human-readable folder name.
	PrettyName() string

	SubFolders() []Folder

	// TotalMessages counts the messages in the folder, and in its
	// descendants when includeSubfolders is set.
	TotalMessages(includeSubfolders bool) int

	// OpenDatabase opens or builds the folder's message database.
	OpenDatabase(ctx context.Context) (Database, error)
}

// Database gives access to the headers of one folder.
type Database interface {
	// Messages returns a lazy, one-shot, forward-only sequence over the
	// folder's headers.
	Messages(ctx context.Context) HeaderIterator

	// Header returns the header stored under key.
	Header(ctx context.Context, key uint32) (Header, error)

	// HeaderByMessageID returns the first header carrying messageID.
	HeaderByMessageID(ctx context.Context, messageID string) (Header, error)

	Close() error
}

// HeaderIterator is a forward-only sequence of headers. Next returns
// io.EOF once the sequence is exhausted.
type HeaderIterator interface {
	Next() (Header, error)
	Close() error
}

// Header is a message header as known to the mail store.
type Header interface {
	// MessageKey identifies the header within its folder.
	MessageKey() uint32

	FolderURI() string

	// MessageID is the Message-ID header value without angle brackets.
	MessageID() string

	// References is the ancestor chain from References and In-Reply-To,
	// ordered oldest to newest, without angle brackets.
	References() []string

	// Subject is the RFC 2047 decoded subject.
	Subject() string

	Author() string
	Date() time.Time

	// Snippet is a short plain-text excerpt of the body, possibly empty.
	Snippet() string
}

// Walk calls fn for f and every folder below it, depth first.
func Walk(f Folder, fn func(Folder)) {
	fn(f)
	for _, sub := range f.SubFolders() {
		Walk(sub, fn)
	}
}
