package imapstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// AuthError indicates that the server rejected the account's credentials.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// DialFunc opens an unauthenticated connection to addr.
type DialFunc func(addr string, useTLS bool) (*imapclient.Client, error)

func dial(addr string, useTLS bool) (*imapclient.Client, error) {
	if useTLS {
		return imapclient.DialTLS(addr, nil)
	}
	return imapclient.DialStartTLS(addr, nil)
}

// headerSection is fetched for every header: the full RFC 5322 header block,
// without marking the message seen.
var headerSection = &imap.FetchItemBodySection{
	Specifier: imap.PartSpecifierHeader,
	Peek:      true,
}

// connect dials and authenticates the account. The caller owns the
// returned client.
func (a *Account) connect(_ context.Context) (*imapclient.Client, error) {
	addr := a.cfg.Host + ":" + a.cfg.Port

	client, err := a.store.dial(addr, a.cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	password, err := a.store.password(a.cfg.Name)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reading password for %s: %w", a.cfg.Name, err)
	}

	if err := client.Login(a.cfg.Username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Account: a.cfg.Name,
			Message: fmt.Sprintf("authentication failed for %s: %v", a.cfg.Username, err),
		}
	}

	return client, nil
}

// listMailboxes returns every mailbox the account can see.
func listMailboxes(client *imapclient.Client) ([]*imap.ListData, error) {
	boxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	return boxes, nil
}

// messageCount asks for the number of messages in mailbox without
// selecting it.
func messageCount(client *imapclient.Client, mailbox string) (int, error) {
	data, err := client.Status(mailbox, &imap.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("status of %s: %w", mailbox, err)
	}
	if data.NumMessages == nil {
		return 0, nil
	}
	return int(*data.NumMessages), nil
}

// searchUIDs runs a UID SEARCH in the selected mailbox.
func searchUIDs(client *imapclient.Client, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return data.AllUIDs(), nil
}

// rawHeader is the header block of one message.
type rawHeader struct {
	uid imap.UID
	raw []byte
}

// fetchHeaders fetches the header blocks of uids from the selected mailbox,
// in server order.
func fetchHeaders(client *imapclient.Client, uids []imap.UID) ([]rawHeader, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	})
	defer fetchCmd.Close()

	var headers []rawHeader
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		headers = append(headers, rawHeader{uid: buf.UID, raw: buf.FindBodySection(headerSection)})
	}

	if err := fetchCmd.Close(); err != nil {
		return headers, fmt.Errorf("fetching headers: %w", err)
	}
	return headers, nil
}
