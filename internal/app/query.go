package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
)

// ErrMessageNotIndexed is returned by Thread for unknown Message-IDs.
var ErrMessageNotIndexed = fmt.Errorf("message not indexed: %w", store.ErrNotFound)

// Thread is a conversation with its members.
type Thread struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []ThreadMessage    `json:"messages"`
}

// ThreadMessage is one member of a Thread.
type ThreadMessage struct {
	MessageID string `json:"message_id"`
	Folder    string `json:"folder,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	Ghost     bool   `json:"ghost"`
}

// Thread returns the conversation holding messageID, ghosts included.
func (a *App) Thread(ctx context.Context, messageID string) (*Thread, error) {
	messageID = mailstore.NormalizeMessageID(messageID)
	found, err := a.ds.GetMessagesByMessageID(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if len(found[0]) == 0 {
		return nil, fmt.Errorf("%s: %w", messageID, ErrMessageNotIndexed)
	}

	conv, err := a.ds.GetConversationByID(ctx, found[0][0].ConversationID)
	if err != nil {
		return nil, err
	}
	rows, err := a.ds.GetMessagesByConversationID(ctx, conv.ID, true)
	if err != nil {
		return nil, err
	}

	t := &Thread{Conversation: *conv}
	folders := make(map[int64]string)
	for _, r := range rows {
		tm := ThreadMessage{
			MessageID: r.HeaderMessageID,
			Subject:   deref(r.Subject),
			Snippet:   deref(r.Snippet),
			Ghost:     r.IsGhost(),
		}
		if r.FolderID != nil {
			uri, ok := folders[*r.FolderID]
			if !ok {
				if uri, err = a.ds.MapFolderIDToURI(ctx, *r.FolderID); err != nil {
					return nil, err
				}
				folders[*r.FolderID] = uri
			}
			tm.Folder = uri
		}
		t.Messages = append(t.Messages, tm)
	}

	// Real messages first, then ghosts, each by Message-ID.
	sort.SliceStable(t.Messages, func(i, j int) bool {
		mi, mj := t.Messages[i], t.Messages[j]
		if mi.Ghost != mj.Ghost {
			return !mi.Ghost
		}
		return mi.MessageID < mj.MessageID
	})
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// WriteThread renders t as a table, or as JSON when asJSON is set.
func WriteThread(w io.Writer, t *Thread, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	}

	tbl := table.New().Headers("MESSAGE-ID", "FOLDER", "SUBJECT")
	for _, m := range t.Messages {
		folder := m.Folder
		if m.Ghost {
			folder = "(ghost)"
		}
		tbl.Row(m.MessageID, folder, m.Subject)
	}

	_, err := fmt.Fprintf(w, "%s\n%s\n", t.Conversation.Subject, tbl.Render())
	return err
}

// Stats reads the datastore counts.
func (a *App) Stats(ctx context.Context) (*model.IndexStats, error) {
	return a.ds.Stats(ctx)
}

// WriteStats renders stats as lines, or as JSON when asJSON is set.
func WriteStats(w io.Writer, stats *model.IndexStats, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(stats)
	}
	_, err := fmt.Fprintf(w,
		"conversations  %d\nmessages       %d\nghosts         %d\nfolders        %d\n",
		stats.Conversations, stats.Messages, stats.Ghosts, stats.Folders,
	)
	return err
}
