package mboxstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/emersion/go-mbox"
	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/mailstore/rfc822"
)

// Folder is an mbox file, or the directory of an account for the root.
type Folder struct {
	store *Store

	// segments is [root, account, folder, subfolder...].
	segments []string
}

func (f *Folder) isRoot() bool { return len(f.segments) == 2 }

// path is the mbox file of a non-root folder.
func (f *Folder) path() string {
	parts := []string{f.store.profileDir, f.segments[0], f.segments[1]}
	for _, s := range f.segments[2 : len(f.segments)-1] {
		parts = append(parts, s+".sbd")
	}
	parts = append(parts, f.segments[len(f.segments)-1])
	return filepath.Join(parts...)
}

// subDir is the directory holding the folder's children.
func (f *Folder) subDir() string {
	if f.isRoot() {
		return filepath.Join(f.store.profileDir, f.segments[0], f.segments[1])
	}
	return f.path() + ".sbd"
}

// URI returns the folder's mbox:// URI.
func (f *Folder) URI() string { return formatURI(f.segments) }

// PrettyName returns the mbox file name, or the account name for the root.
func (f *Folder) PrettyName() string { return f.segments[len(f.segments)-1] }

// SubFolders lists the mbox files in the folder's ".sbd" directory.
func (f *Folder) SubFolders() []mailstore.Folder {
	entries, err := os.ReadDir(f.subDir())
	if err != nil {
		if !os.IsNotExist(err) {
			f.store.log.Warn("listing subfolders", zap.String("folder", f.URI()), zap.Error(err))
		}
		return nil
	}

	var subs []mailstore.Folder
	for _, e := range entries {
		if e.IsDir() || !isMboxFile(e.Name()) {
			continue
		}
		segments := append(append([]string(nil), f.segments...), e.Name())
		subs = append(subs, &Folder{store: f.store, segments: segments})
	}
	return subs
}

// TotalMessages counts the messages of the mbox file, and of every
// subfolder when includeSubfolders is set. Counts are cached per file.
func (f *Folder) TotalMessages(includeSubfolders bool) int {
	n := 0
	if !f.isRoot() {
		n = f.store.messageCount(f.path())
	}
	if includeSubfolders {
		for _, sub := range f.SubFolders() {
			n += sub.TotalMessages(true)
		}
	}
	return n
}

// OpenDatabase checks the mbox file is readable. Headers are read lazily.
func (f *Folder) OpenDatabase(ctx context.Context) (mailstore.Database, error) {
	if f.isRoot() {
		return &database{folder: f}, nil
	}

	file, err := os.Open(f.path())
	if err != nil {
		return nil, fmt.Errorf("opening mbox %s: %w", f.path(), err)
	}
	_ = file.Close()
	return &database{folder: f, path: f.path()}, nil
}

// database reads one mbox file. An empty path is the message-less root.
type database struct {
	folder *Folder
	path   string

	// headers caches a full parse for key and Message-ID lookups.
	headers []*rfc822.Header
	loaded  bool
}

// Messages streams the headers in file order, keyed from 1.
func (d *database) Messages(ctx context.Context) mailstore.HeaderIterator {
	if d.path == "" {
		return &iterator{}
	}
	file, err := os.Open(d.path)
	if err != nil {
		return &iterator{err: fmt.Errorf("opening mbox %s: %w", d.path, err)}
	}
	return &iterator{
		ctx:    ctx,
		log:    d.folder.store.log,
		uri:    d.folder.URI(),
		file:   file,
		reader: mbox.NewReader(file),
	}
}

// Header returns the message at the 1-based position key. Keys shift when
// the mbox is compacted.
func (d *database) Header(ctx context.Context, key uint32) (mailstore.Header, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	if key == 0 || int(key) > len(d.headers) {
		return nil, fmt.Errorf("key %d in %s: %w", key, d.folder.URI(), mailstore.ErrHeaderNotFound)
	}
	return d.headers[key-1], nil
}

// HeaderByMessageID returns the first message carrying messageID.
func (d *database) HeaderByMessageID(ctx context.Context, messageID string) (mailstore.Header, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	want := mailstore.NormalizeMessageID(messageID)
	for _, h := range d.headers {
		if h.MessageID() == want {
			return h, nil
		}
	}
	return nil, fmt.Errorf("message-id %s in %s: %w", messageID, d.folder.URI(), mailstore.ErrHeaderNotFound)
}

// load parses the whole file once for the lookups.
func (d *database) load(ctx context.Context) error {
	if d.loaded {
		return nil
	}

	it := d.Messages(ctx)
	defer it.Close()

	var headers []*rfc822.Header
	for {
		h, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		headers = append(headers, h.(*rfc822.Header))
	}

	d.headers = headers
	d.loaded = true
	return nil
}

// Close drops the cached headers.
func (d *database) Close() error {
	d.headers = nil
	d.loaded = false
	return nil
}

// iterator streams the headers of an mbox file in file order.
type iterator struct {
	ctx    context.Context
	log    *zap.Logger
	uri    string
	file   *os.File
	reader *mbox.Reader
	key    uint32
	err    error
}

// Next returns the next header, or io.EOF. An unparsable message yields an
// empty header so keys stay aligned with file positions.
func (it *iterator) Next() (mailstore.Header, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.reader == nil {
		return nil, io.EOF
	}
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}

	r, err := it.reader.NextMessage()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		it.err = fmt.Errorf("reading %s: %w", it.uri, err)
		return nil, it.err
	}
	it.key++

	h, err := rfc822.Parse(r, it.uri, it.key)
	if err != nil {
		it.log.Debug("unparsable message",
			zap.String("folder", it.uri),
			zap.Uint32("key", it.key),
			zap.Error(err),
		)
		return rfc822.Empty(it.uri, it.key), nil
	}
	return h, nil
}

// Close releases the mbox file.
func (it *iterator) Close() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	return err
}

// countMessages counts the messages of an mbox file without parsing them.
func countMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := mbox.NewReader(file)
	n := 0
	for {
		_, err := reader.NextMessage()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
