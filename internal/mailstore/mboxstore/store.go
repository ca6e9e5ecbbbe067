// Package mboxstore reads the local mbox folders of a Thunderbird profile.
//
// Every directory below <profile>/Mail and <profile>/ImapMail is an
// account. Each mbox file in it is a folder whose subfolders live in the
// sibling "<name>.sbd" directory. Message keys are 1-based positions in
// the mbox file.
package mboxstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
)

// Scheme prefixes every folder URI produced by this package.
const Scheme = "mbox://"

// roots are the profile directories holding accounts.
var roots = []string{"Mail", "ImapMail"}

// skipSuffixes are files Thunderbird keeps next to its mbox files.
var skipSuffixes = []string{".msf", ".dat", ".json", ".db", ".sqlite", ".html", ".log"}

// Store is a mailstore.Store over a Thunderbird profile directory.
type Store struct {
	profileDir string
	log        *zap.Logger

	mu     sync.Mutex
	counts map[string]countEntry
}

// countEntry caches the message count of an mbox file.
type countEntry struct {
	size    int64
	modTime time.Time
	count   int
}

// New returns a store reading profileDir. A nil logger discards output.
func New(profileDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		profileDir: profileDir,
		log:        log,
		counts:     make(map[string]countEntry),
	}
}

// Accounts lists the account directories of the profile in name order.
func (s *Store) Accounts(ctx context.Context) ([]mailstore.Account, error) {
	var accounts []mailstore.Account
	for _, root := range roots {
		entries, err := os.ReadDir(filepath.Join(s.profileDir, root))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s accounts: %w", root, err)
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasSuffix(e.Name(), ".sbd") {
				continue
			}
			accounts = append(accounts, &Account{
				root: &Folder{store: s, segments: []string{root, e.Name()}},
			})
		}
	}
	return accounts, nil
}

// FolderByURI resolves a URI produced by Folder.URI.
func (s *Store) FolderByURI(ctx context.Context, uri string) (mailstore.Folder, error) {
	segments, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	f := &Folder{store: s, segments: segments}
	target := f.subDir()
	if !f.isRoot() {
		target = f.path()
	}
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
		}
		return nil, fmt.Errorf("resolving folder %s: %w", uri, err)
	}
	return f, nil
}

// URIForPath maps an mbox file below the profile to its folder URI.
func (s *Store) URIForPath(path string) (string, bool) {
	rel, err := filepath.Rel(s.profileDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if !isMboxFile(filepath.Base(rel)) {
		return "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 || !isRoot(parts[0]) {
		return "", false
	}
	segments := []string{parts[0], parts[1]}
	for _, p := range parts[2:] {
		segments = append(segments, strings.TrimSuffix(p, ".sbd"))
	}
	return formatURI(segments), true
}

// WatchDirs lists every directory that holds mbox files: the account
// directories and all ".sbd" directories below them.
func (s *Store) WatchDirs() ([]string, error) {
	var dirs []string
	for _, root := range roots {
		base := filepath.Join(s.profileDir, root)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return filepath.SkipDir
			}
			if !d.IsDir() || path == base {
				return nil
			}
			if strings.HasSuffix(d.Name(), ".mozmsgs") {
				return filepath.SkipDir
			}
			dirs = append(dirs, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", base, err)
		}
	}
	return dirs, nil
}

// messageCount returns the number of messages in the mbox at path,
// rescanning only when the file changed.
func (s *Store) messageCount(path string) int {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	entry, ok := s.counts[path]
	s.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.count
	}

	n, err := countMessages(path)
	if err != nil {
		s.log.Warn("counting messages", zap.String("path", path), zap.Error(err))
	}

	s.mu.Lock()
	s.counts[path] = countEntry{size: info.Size(), modTime: info.ModTime(), count: n}
	s.mu.Unlock()
	return n
}

// Account is one account directory of the profile.
type Account struct {
	root *Folder
}

// Name is the account directory name, e.g. "Local Folders".
func (a *Account) Name() string { return a.root.segments[1] }

// RootFolder is the account directory.
func (a *Account) RootFolder() mailstore.Folder { return a.root }

func isRoot(name string) bool {
	for _, r := range roots {
		if r == name {
			return true
		}
	}
	return false
}

func isMboxFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	ext := filepath.Ext(name)
	return ext == "" || ext == ".mbox"
}

func formatURI(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return Scheme + strings.Join(escaped, "/")
}

func parseURI(uri string) ([]string, error) {
	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 2 || !isRoot(parts[0]) {
		return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
	}

	segments := make([]string, len(parts))
	for i, p := range parts {
		s, err := url.PathUnescape(p)
		if err != nil || s == "" {
			return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
		}
		segments[i] = s
	}
	return segments, nil
}
