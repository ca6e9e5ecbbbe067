package imapstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/mailstore/rfc822"
)

// fetchBatch is the number of headers fetched per round trip while walking.
const fetchBatch = 100

// Folder is one mailbox, or the account root.
type Folder struct {
	account  *Account
	root     bool
	mailbox  string
	delim    rune
	noSelect bool
	children []*Folder
}

// URI returns imap://<user>@<host>/<mailbox>, without the mailbox for the
// root.
func (f *Folder) URI() string {
	if f.root {
		return f.account.baseURI()
	}
	return f.account.baseURI() + "/" + url.PathEscape(f.mailbox)
}

// PrettyName returns the last segment of the mailbox name.
func (f *Folder) PrettyName() string {
	if f.root {
		return f.account.cfg.Name
	}
	if f.delim != 0 {
		if i := strings.LastIndexByte(f.mailbox, byte(f.delim)); i >= 0 {
			return f.mailbox[i+1:]
		}
	}
	return f.mailbox
}

// SubFolders returns the children found by the last LIST.
func (f *Folder) SubFolders() []mailstore.Folder {
	out := make([]mailstore.Folder, len(f.children))
	for i, c := range f.children {
		out[i] = c
	}
	return out
}

func (f *Folder) find(mailbox string) *Folder {
	if !f.root && f.mailbox == mailbox {
		return f
	}
	for _, c := range f.children {
		if found := c.find(mailbox); found != nil {
			return found
		}
	}
	return nil
}

func (f *Folder) hasMessages() bool { return !f.root && !f.noSelect }

// TotalMessages asks the server with STATUS. Failures count as zero.
func (f *Folder) TotalMessages(includeSubfolders bool) int {
	n := 0
	if f.hasMessages() {
		err := f.account.withClient(context.Background(), func(c *imapclient.Client) error {
			var err error
			n, err = messageCount(c, f.mailbox)
			return err
		})
		if err != nil {
			f.account.store.log.Warn("counting messages", zap.String("folder", f.URI()), zap.Error(err))
		}
	}
	if includeSubfolders {
		for _, c := range f.children {
			n += c.TotalMessages(true)
		}
	}
	return n
}

// OpenDatabase selects the mailbox to check it is reachable.
func (f *Folder) OpenDatabase(ctx context.Context) (mailstore.Database, error) {
	if !f.hasMessages() {
		return &database{folder: f}, nil
	}
	err := f.account.withClient(ctx, func(c *imapclient.Client) error {
		return f.account.selectLocked(c, f.mailbox)
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.URI(), err)
	}
	return &database{folder: f}, nil
}

type database struct {
	folder *Folder
}

// selected runs fn with the folder's mailbox selected.
func (d *database) selected(ctx context.Context, fn func(*imapclient.Client) error) error {
	a := d.folder.account
	return a.withClient(ctx, func(c *imapclient.Client) error {
		if err := a.selectLocked(c, d.folder.mailbox); err != nil {
			return err
		}
		return fn(c)
	})
}

// Messages lists the UIDs up front and fetches headers in batches.
func (d *database) Messages(ctx context.Context) mailstore.HeaderIterator {
	if !d.folder.hasMessages() {
		return &iterator{}
	}

	var uids []imap.UID
	err := d.selected(ctx, func(c *imapclient.Client) error {
		var err error
		uids, err = searchUIDs(c, &imap.SearchCriteria{})
		return err
	})
	if err != nil {
		return &iterator{err: fmt.Errorf("listing %s: %w", d.folder.URI(), err)}
	}
	return &iterator{ctx: ctx, db: d, uids: uids}
}

// Header fetches the message with UID key.
func (d *database) Header(ctx context.Context, key uint32) (mailstore.Header, error) {
	return d.fetchOne(ctx, imap.UID(key))
}

// HeaderByMessageID searches the mailbox for a Message-ID header.
func (d *database) HeaderByMessageID(ctx context.Context, messageID string) (mailstore.Header, error) {
	if !d.folder.hasMessages() {
		return nil, fmt.Errorf("message-id %s in %s: %w", messageID, d.folder.URI(), mailstore.ErrHeaderNotFound)
	}

	var uids []imap.UID
	err := d.selected(ctx, func(c *imapclient.Client) error {
		var err error
		uids, err = searchUIDs(c, &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{
				Key:   "Message-Id",
				Value: mailstore.NormalizeMessageID(messageID),
			}},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, fmt.Errorf("message-id %s in %s: %w", messageID, d.folder.URI(), mailstore.ErrHeaderNotFound)
	}
	return d.fetchOne(ctx, uids[0])
}

func (d *database) fetchOne(ctx context.Context, uid imap.UID) (mailstore.Header, error) {
	if !d.folder.hasMessages() {
		return nil, fmt.Errorf("key %d in %s: %w", uid, d.folder.URI(), mailstore.ErrHeaderNotFound)
	}

	headers, err := d.fetch(ctx, []imap.UID{uid})
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("key %d in %s: %w", uid, d.folder.URI(), mailstore.ErrHeaderNotFound)
	}
	return headers[0], nil
}

func (d *database) fetch(ctx context.Context, uids []imap.UID) ([]*rfc822.Header, error) {
	var raw []rawHeader
	err := d.selected(ctx, func(c *imapclient.Client) error {
		var err error
		raw, err = fetchHeaders(c, uids)
		return err
	})
	if err != nil {
		return nil, err
	}

	uri := d.folder.URI()
	out := make([]*rfc822.Header, 0, len(raw))
	for _, r := range raw {
		h, err := rfc822.Parse(bytes.NewReader(r.raw), uri, uint32(r.uid))
		if err != nil {
			h = rfc822.Empty(uri, uint32(r.uid))
		}
		out = append(out, h)
	}
	return out, nil
}

// Close leaves the connection open for the next folder.
func (d *database) Close() error { return nil }

type iterator struct {
	ctx    context.Context
	db     *database
	uids   []imap.UID
	buffer []*rfc822.Header
	err    error
}

// Next returns the next header, fetching another batch when needed.
func (it *iterator) Next() (mailstore.Header, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.buffer) == 0 {
		if len(it.uids) == 0 {
			return nil, io.EOF
		}
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}

		batch := it.uids[:min(fetchBatch, len(it.uids))]
		it.uids = it.uids[len(batch):]

		headers, err := it.db.fetch(it.ctx, batch)
		if err != nil {
			it.err = err
			return nil, err
		}
		it.buffer = headers
		if len(it.buffer) == 0 {
			// Every message of the batch vanished; try the next one.
			return it.Next()
		}
	}

	h := it.buffer[0]
	it.buffer = it.buffer[1:]
	return h, nil
}

// Close drops the unread UIDs.
func (it *iterator) Close() error {
	it.uids, it.buffer = nil, nil
	return nil
}
