// Package imapstore exposes remote IMAP accounts as a mail store. Folder URIs
// are imap://<user>@<host>/<mailbox> and message keys are UIDs.
package imapstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/credential"
	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/model"
)

// Scheme prefixes every folder URI produced by this package.
const Scheme = "imap://"

// PasswordFunc returns the password of the named account.
type PasswordFunc func(account string) (string, error)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithDialer replaces the TLS/STARTTLS dialer.
func WithDialer(fn DialFunc) Option {
	return func(s *Store) { s.dial = fn }
}

// WithPasswords replaces the keyring password lookup.
func WithPasswords(fn PasswordFunc) Option {
	return func(s *Store) { s.password = fn }
}

// Store is a mailstore.Store over one or more IMAP accounts.
type Store struct {
	accounts []*Account
	log      *zap.Logger
	dial     DialFunc
	password PasswordFunc
}

// New returns a store for the configured accounts. No connection is made
// until a folder is used.
func New(cfgs []model.IMAPAccountConfig, opts ...Option) *Store {
	s := &Store{
		log:      zap.NewNop(),
		dial:     dial,
		password: keyringPassword,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, cfg := range cfgs {
		s.accounts = append(s.accounts, &Account{store: s, cfg: cfg})
	}
	return s
}

func keyringPassword(account string) (string, error) {
	return credential.Get(credential.IMAPKey(account))
}

// Accounts lists the configured accounts, refreshing their folder trees.
func (s *Store) Accounts(ctx context.Context) ([]mailstore.Account, error) {
	out := make([]mailstore.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if err := a.refresh(ctx); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// FolderByURI resolves a folder URI of one of the configured accounts.
func (s *Store) FolderByURI(ctx context.Context, uri string) (mailstore.Folder, error) {
	for _, a := range s.accounts {
		base := a.baseURI()
		if uri == base {
			if a.RootFolder().(*Folder).children == nil {
				if err := a.refresh(ctx); err != nil {
					return nil, err
				}
			}
			return a.RootFolder(), nil
		}
		rest, ok := strings.CutPrefix(uri, base+"/")
		if !ok {
			continue
		}
		mailbox, err := url.PathUnescape(rest)
		if err != nil {
			return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
		}

		f, err := a.folder(ctx, mailbox)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
		}
		return f, nil
	}
	return nil, fmt.Errorf("folder %s: %w", uri, mailstore.ErrFolderNotFound)
}

// Close logs out of every open connection.
func (s *Store) Close() error {
	for _, a := range s.accounts {
		a.disconnect()
	}
	return nil
}

// Account is one configured IMAP account. It keeps a single connection,
// shared by its folders and reopened after a failure.
type Account struct {
	store *Store
	cfg   model.IMAPAccountConfig

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	tree     *Folder
}

// Name is the configured account name.
func (a *Account) Name() string { return a.cfg.Name }

// RootFolder is the account itself. It holds no messages; its children are
// the top-level mailboxes.
func (a *Account) RootFolder() mailstore.Folder {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tree == nil {
		return &Folder{account: a, root: true}
	}
	return a.tree
}

func (a *Account) baseURI() string {
	return Scheme + url.PathEscape(a.cfg.Username) + "@" + a.cfg.Host
}

// withClient runs fn on the account connection, dialing if needed. A
// failed call drops the connection so the next call starts afresh.
func (a *Account) withClient(ctx context.Context, fn func(*imapclient.Client) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		client, err := a.connect(ctx)
		if err != nil {
			return err
		}
		a.client = client
		a.selected = ""
	}

	if err := fn(a.client); err != nil {
		a.dropLocked()
		return err
	}
	return nil
}

// selectLocked makes mailbox the selected one, read-only.
func (a *Account) selectLocked(client *imapclient.Client, mailbox string) error {
	if a.selected == mailbox {
		return nil
	}
	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	a.selected = mailbox
	return nil
}

func (a *Account) dropLocked() {
	if a.client != nil {
		_ = a.client.Close()
	}
	a.client = nil
	a.selected = ""
}

func (a *Account) disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Logout().Wait()
	}
	a.dropLocked()
}

// refresh re-reads the mailbox list.
func (a *Account) refresh(ctx context.Context) error {
	var boxes []*imap.ListData
	err := a.withClient(ctx, func(c *imapclient.Client) error {
		var err error
		boxes, err = listMailboxes(c)
		return err
	})
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", a.cfg.Name, err)
	}

	tree := buildTree(a, boxes)
	a.mu.Lock()
	a.tree = tree
	a.mu.Unlock()
	return nil
}

// folder finds mailbox in the tree, refreshing it once when missing.
func (a *Account) folder(ctx context.Context, mailbox string) (*Folder, error) {
	a.mu.Lock()
	tree := a.tree
	a.mu.Unlock()

	if tree != nil {
		if f := tree.find(mailbox); f != nil {
			return f, nil
		}
	}
	if err := a.refresh(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tree.find(mailbox), nil
}

// buildTree arranges a LIST response into folders below the account root.
// Mailboxes flagged \Noselect stay in the tree as message-less parents.
func buildTree(a *Account, boxes []*imap.ListData) *Folder {
	root := &Folder{account: a, root: true}

	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Mailbox < boxes[j].Mailbox })

	byName := make(map[string]*Folder, len(boxes))
	for _, box := range boxes {
		f := &Folder{
			account:  a,
			mailbox:  box.Mailbox,
			delim:    box.Delim,
			noSelect: hasAttr(box.Attrs, imap.MailboxAttrNoSelect),
		}
		byName[box.Mailbox] = f
	}

	for _, box := range boxes {
		f := byName[box.Mailbox]
		parent := root
		if box.Delim != 0 {
			if i := strings.LastIndexByte(box.Mailbox, byte(box.Delim)); i > 0 {
				if p, ok := byName[box.Mailbox[:i]]; ok {
					parent = p
				}
			}
		}
		parent.children = append(parent.children, f)
	}
	return root
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}
