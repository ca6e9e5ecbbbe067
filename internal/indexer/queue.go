package indexer

import (
	"fmt"

	"github.com/nhle/mailindex/internal/mailstore"
)

// Sign says whether a queue item adds, re-resolves or removes index rows.
type Sign int

const (
	// Remove drops the addressed rows from the index.
	Remove Sign = -1

	// Reresolve re-indexes a message located by Message-ID rather than by
	// key, after a move cleared its key.
	Reresolve Sign = 0

	// Add indexes the addressed folder or message.
	Add Sign = 1
)

// String returns the +1/0/-1 spelling of the sign.
func (s Sign) String() string {
	switch s {
	case Add:
		return "+1"
	case Reresolve:
		return "0"
	case Remove:
		return "-1"
	default:
		return fmt.Sprintf("Sign(%d)", int(s))
	}
}

// QueueItem is a unit of pending index work. The concrete types are
// AccountItem, FolderItem and MessageItem.
type QueueItem interface {
	queueItem()

	// Kind names the item type for logs and metrics.
	Kind() string
}

// AccountItem expands into a FolderItem for every folder of the account.
type AccountItem struct {
	Account mailstore.Account
}

// FolderItem walks (Add) or un-indexes (Remove) one folder.
type FolderItem struct {
	Sign     Sign
	FolderID int64
}

// MessageItem indexes or un-indexes one message of a folder.
type MessageItem struct {
	Sign     Sign
	FolderID int64
	Ref      MessageRef
}

func (AccountItem) queueItem() {}
func (FolderItem) queueItem()  {}
func (MessageItem) queueItem() {}

func (AccountItem) Kind() string { return "account" }
func (FolderItem) Kind() string  { return "folder" }
func (MessageItem) Kind() string { return "message" }

// MessageRef addresses a message within a folder by key, by Message-ID,
// or both. When both are set the key is tried first.
type MessageRef struct {
	Key       uint32
	HasKey    bool
	MessageID string
}

// KeyRef addresses a message by its folder key.
func KeyRef(key uint32) MessageRef {
	return MessageRef{Key: key, HasKey: true}
}

// IDRef addresses a message by its Message-ID.
func IDRef(messageID string) MessageRef {
	return MessageRef{MessageID: messageID}
}

// HeaderRef addresses the message h by both key and Message-ID.
func HeaderRef(h mailstore.Header) MessageRef {
	return MessageRef{
		Key:       h.MessageKey(),
		HasKey:    true,
		MessageID: mailstore.NormalizeMessageID(h.MessageID()),
	}
}

// queue is a FIFO of pending items. Insertion order is processing order.
type queue struct {
	items []QueueItem
}

func (q *queue) push(item QueueItem) {
	q.items = append(q.items, item)
}

func (q *queue) pop() (QueueItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

func (q *queue) len() int {
	return len(q.items)
}
