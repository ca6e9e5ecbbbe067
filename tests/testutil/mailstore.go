package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailindex/internal/mailstore"
)

// FakeHeader is an in-memory mailstore.Header.
type FakeHeader struct {
	Key    uint32
	Folder string
	ID     string
	Refs   []string
	Subj   string
	From   string
	Sent   time.Time
	Body   string
}

func (h *FakeHeader) MessageKey() uint32   { return h.Key }
func (h *FakeHeader) FolderURI() string    { return h.Folder }
func (h *FakeHeader) MessageID() string    { return h.ID }
func (h *FakeHeader) References() []string { return h.Refs }
func (h *FakeHeader) Subject() string      { return h.Subj }
func (h *FakeHeader) Author() string       { return h.From }
func (h *FakeHeader) Date() time.Time      { return h.Sent }
func (h *FakeHeader) Snippet() string      { return h.Body }

// FakeMailStore is an in-memory mailstore.Store for tests. Folders are
// addressed by URI; message keys are assigned in insertion order.
type FakeMailStore struct {
	mu       sync.Mutex
	accounts []*FakeAccount
	folders  map[string]*FakeFolder
}

// NewFakeMailStore returns an empty store.
func NewFakeMailStore() *FakeMailStore {
	return &FakeMailStore{folders: make(map[string]*FakeFolder)}
}

// AddAccount registers an account whose root folder is fake://<name>.
func (s *FakeMailStore) AddAccount(name string) *FakeAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &FakeAccount{name: name}
	a.root = s.newFolderLocked("fake://"+name, name)
	s.accounts = append(s.accounts, a)
	return a
}

// Folder returns the folder registered under uri, or nil.
func (s *FakeMailStore) Folder(uri string) *FakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folders[uri]
}

// Rename changes the URI of f and of every folder below it, as a mail
// client rename or folder move would.
func (s *FakeMailStore) Rename(f *FakeFolder, newURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renameLocked(f, newURI)
}

func (s *FakeMailStore) renameLocked(f *FakeFolder, newURI string) {
	delete(s.folders, f.uri)

	f.mu.Lock()
	oldURI := f.uri
	f.uri = newURI
	for _, h := range f.headers {
		h.Folder = newURI
	}
	subs := append([]*FakeFolder(nil), f.subs...)
	f.mu.Unlock()

	s.folders[newURI] = f
	for _, sub := range subs {
		s.renameLocked(sub, newURI+strings.TrimPrefix(sub.URI(), oldURI))
	}
}

func (s *FakeMailStore) newFolderLocked(uri, name string) *FakeFolder {
	f := &FakeFolder{store: s, uri: uri, name: name, nextKey: 1}
	s.folders[uri] = f
	return f
}

// Accounts implements mailstore.Store.
func (s *FakeMailStore) Accounts(ctx context.Context) ([]mailstore.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]mailstore.Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = a
	}
	return out, nil
}

// FolderByURI implements mailstore.Store.
func (s *FakeMailStore) FolderByURI(ctx context.Context, uri string) (mailstore.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[uri]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
	}
	return f, nil
}

// FakeAccount is an in-memory mailstore.Account.
type FakeAccount struct {
	name string
	root *FakeFolder
}

func (a *FakeAccount) Name() string                 { return a.name }
func (a *FakeAccount) RootFolder() mailstore.Folder { return a.root }

// Root returns the account's root folder with its concrete type.
func (a *FakeAccount) Root() *FakeFolder { return a.root }

// FakeFolder is an in-memory mailstore.Folder.
type FakeFolder struct {
	store *FakeMailStore

	mu       sync.Mutex
	uri      string
	name     string
	subs     []*FakeFolder
	headers  map[uint32]*FakeHeader
	nextKey  uint32
	openErr  error
	iterErr  error
	openings int
}

// AddSubFolder creates a child folder at <uri>/<name>.
func (f *FakeFolder) AddSubFolder(name string) *FakeFolder {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	sub := f.store.newFolderLocked(f.uri+"/"+name, name)
	f.subs = append(f.subs, sub)
	return sub
}

// AddMessage stores a header under the next free key.
func (f *FakeFolder) AddMessage(messageID, subject string, refs ...string) *FakeHeader {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.headers == nil {
		f.headers = make(map[uint32]*FakeHeader)
	}
	h := &FakeHeader{
		Key:    f.nextKey,
		Folder: f.uri,
		ID:     messageID,
		Refs:   refs,
		Subj:   subject,
		From:   "sender@example.com",
		Sent:   time.Date(2024, 1, 1, 0, 0, int(f.nextKey), 0, time.UTC),
	}
	f.headers[h.Key] = h
	f.nextKey++
	return h
}

// RemoveMessage drops the header at key.
func (f *FakeFolder) RemoveMessage(key uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.headers, key)
}

// Compact renumbers the remaining headers from zero in key order, the way
// an mbox rewrite shifts positional keys.
func (f *FakeFolder) Compact() {
	f.mu.Lock()
	defer f.mu.Unlock()

	headers := make([]*FakeHeader, 0, len(f.headers))
	for _, h := range f.headers {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })

	f.headers = make(map[uint32]*FakeHeader, len(headers))
	for i, h := range headers {
		h.Key = uint32(i)
		f.headers[h.Key] = h
	}
	f.nextKey = uint32(len(headers))
}

// FailOpen makes OpenDatabase return err.
func (f *FakeFolder) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// FailIteration makes the header iterator return err after the first header.
func (f *FakeFolder) FailIteration(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iterErr = err
}

// Openings reports how many times OpenDatabase succeeded.
func (f *FakeFolder) Openings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openings
}

// URI returns the folder's fake:// URI.
func (f *FakeFolder) URI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uri
}

// PrettyName returns the folder name.
func (f *FakeFolder) PrettyName() string { return f.name }

// SubFolders returns the children in creation order.
func (f *FakeFolder) SubFolders() []mailstore.Folder {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]mailstore.Folder, len(f.subs))
	for i, s := range f.subs {
		out[i] = s
	}
	return out
}

// TotalMessages counts the stored headers.
func (f *FakeFolder) TotalMessages(includeSubfolders bool) int {
	f.mu.Lock()
	n := len(f.headers)
	subs := append([]*FakeFolder(nil), f.subs...)
	f.mu.Unlock()

	if includeSubfolders {
		for _, s := range subs {
			n += s.TotalMessages(true)
		}
	}
	return n
}

// OpenDatabase snapshots the folder's headers in key order.
func (f *FakeFolder) OpenDatabase(ctx context.Context) (mailstore.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	f.openings++

	headers := make([]*FakeHeader, 0, len(f.headers))
	for _, h := range f.headers {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })

	return &fakeDatabase{folder: f, headers: headers, iterErr: f.iterErr}, nil
}

type fakeDatabase struct {
	folder  *FakeFolder
	headers []*FakeHeader
	iterErr error
}

func (d *fakeDatabase) Messages(ctx context.Context) mailstore.HeaderIterator {
	return &fakeIterator{headers: d.headers, failAfterFirst: d.iterErr}
}

// Header reads through to the live folder so removed keys go stale.
func (d *fakeDatabase) Header(ctx context.Context, key uint32) (mailstore.Header, error) {
	d.folder.mu.Lock()
	defer d.folder.mu.Unlock()

	h, ok := d.folder.headers[key]
	if !ok {
		return nil, fmt.Errorf("key %d: %w", key, mailstore.ErrHeaderNotFound)
	}
	return h, nil
}

func (d *fakeDatabase) HeaderByMessageID(ctx context.Context, messageID string) (mailstore.Header, error) {
	d.folder.mu.Lock()
	defer d.folder.mu.Unlock()

	var found *FakeHeader
	for _, h := range d.folder.headers {
		if h.ID == messageID && (found == nil || h.Key < found.Key) {
			found = h
		}
	}
	if found == nil {
		return nil, fmt.Errorf("message-id %s: %w", messageID, mailstore.ErrHeaderNotFound)
	}
	return found, nil
}

func (d *fakeDatabase) Close() error { return nil }

type fakeIterator struct {
	headers        []*FakeHeader
	pos            int
	failAfterFirst error
}

func (it *fakeIterator) Next() (mailstore.Header, error) {
	if it.failAfterFirst != nil && it.pos == 1 {
		return nil, it.failAfterFirst
	}
	if it.pos >= len(it.headers) {
		return nil, io.EOF
	}
	h := it.headers[it.pos]
	it.pos++
	return h, nil
}

func (it *fakeIterator) Close() error { return nil }

// NewMessageID returns a unique Message-ID.
func NewMessageID() string {
	return uuid.New().String() + "@example.com"
}

// ErrCorruptFolder is a canned folder-open failure.
var ErrCorruptFolder = errors.New("corrupt folder database")
