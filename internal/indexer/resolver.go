package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/metrics"
	"github.com/nhle/mailindex/internal/model"
)

// resolution is the outcome of attaching a message to a conversation.
type resolution struct {
	conversationID string

	// self holds the existing rows that share the message's own Message-ID.
	self []model.Message

	// created is set when no ancestor had a conversation.
	created bool

	// ghosts counts the placeholder rows created for unseen ancestors.
	ghosts int

	conflicts []*ConflictError
}

// resolve finds the conversation for messageID given its ancestor chain
// refs (oldest first), creating the conversation and any missing ancestor
// ghosts as needed.
//
// Rows already carrying messageID are consulted before the ancestors so
// that a ghost being promoted keeps its conversation.
func (e *engine) resolve(
	ctx context.Context,
	messageID string,
	refs []string,
	subject string,
) (*resolution, error) {
	ids := make([]string, 0, len(refs)+1)
	ids = append(ids, refs...)
	ids = append(ids, messageID)

	found, err := e.ds.GetMessagesByMessageID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("looking up references of %s: %w", messageID, err)
	}

	res := &resolution{self: found[len(refs)]}

	adopt := func(ref string, rows []model.Message) {
		if len(rows) == 0 {
			return
		}
		// All rows of one Message-ID share a conversation, so the first
		// speaks for the rest.
		convID := rows[0].ConversationID
		if res.conversationID == "" {
			res.conversationID = convID
			return
		}
		if convID == res.conversationID {
			return
		}

		conflict := &ConflictError{
			MessageID: messageID,
			Chosen:    res.conversationID,
			Other:     convID,
			Reference: ref,
		}
		res.conflicts = append(res.conflicts, conflict)
		metrics.ConversationConflicts.Inc()
		e.log.Error("ancestors disagree on conversation",
			zap.String("message_id", messageID),
			zap.String("reference", ref),
			zap.String("conversation_id", res.conversationID),
			zap.String("other_conversation_id", convID),
			zap.Error(conflict),
		)
	}

	adopt(messageID, res.self)
	for i := len(refs) - 1; i >= 0; i-- {
		adopt(refs[i], found[i])
	}

	if res.conversationID == "" {
		conv, err := e.ds.CreateConversation(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("creating conversation for %s: %w", messageID, err)
		}
		res.conversationID = conv.ID
		res.created = true
		metrics.ConversationsCreated.Inc()
	}

	for i, ref := range refs {
		if len(found[i]) > 0 {
			continue
		}
		ghost := model.Message{
			ConversationID:  res.conversationID,
			HeaderMessageID: ref,
		}
		if _, err := e.ds.CreateMessage(ctx, ghost); err != nil {
			return nil, fmt.Errorf("creating ghost %s: %w", ref, err)
		}
		res.ghosts++
	}
	if res.ghosts > 0 {
		metrics.GhostsCreated.Add(float64(res.ghosts))
	}

	return res, nil
}
