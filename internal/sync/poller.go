// Package sync re-queues mail accounts on a timer, for stores that cannot
// push mutation events.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/mailstore/imapstore"
)

// PollState represents the current state of the poller.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollRunning:
		return "polling"
	case PollError:
		return "error"
	default:
		return fmt.Sprintf("PollState(%d)", int(s))
	}
}

// PollStatus is a snapshot of the poller.
type PollStatus struct {
	State    PollState
	LastPoll time.Time
	Accounts int
	Error    error
}

// PollResultMsg is a tea.Msg sent when a poll completes.
type PollResultMsg struct {
	Accounts  int
	Error     error
	AuthError *AuthErrorMsg
}

// AuthErrorMsg is a tea.Msg sent when the mail store rejects its
// credentials.
type AuthErrorMsg struct {
	Message string
}

// pollTimeout is the maximum time allowed for listing accounts.
const pollTimeout = 30 * time.Second

// Target receives the accounts found by each poll. *indexer.Indexer
// implements it.
type Target interface {
	IndexAccount(account mailstore.Account)

	// Indexing reports whether earlier work is still queued. Polls are
	// skipped until it drains.
	Indexing() bool
}

// Poller periodically re-queues every account of a mail store.
type Poller struct {
	mail     mailstore.Store
	target   Target
	interval time.Duration
	log      *zap.Logger

	resultCh  chan PollResultMsg
	triggerCh chan struct{}

	mu     gosync.Mutex
	status PollStatus
}

// New creates a Poller. A nil logger discards output.
func New(mail mailstore.Store, target Target, interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		mail:      mail,
		target:    target,
		interval:  interval,
		log:       log,
		resultCh:  make(chan PollResultMsg, 16),
		triggerCh: make(chan struct{}, 1),
	}
}

// Run polls once immediately and then on every interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.triggerCh:
			p.poll(ctx)
		}
	}
}

// Refresh triggers an immediate poll.
func (p *Poller) Refresh() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// A poll is already pending.
	}
}

// Status returns the current poll status.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// poll lists the accounts and hands each to the target, unless the target
// is still busy with the previous pass.
func (p *Poller) poll(ctx context.Context) {
	if p.target.Indexing() {
		p.log.Debug("indexer busy, skipping poll")
		return
	}
	p.setStatus(PollRunning, 0, nil)

	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	accounts, err := p.mail.Accounts(ctx)
	if err != nil {
		p.setStatus(PollError, 0, err)
		p.log.Warn("polling mail store failed", zap.Error(err))

		if imapstore.IsAuthError(err) {
			p.sendResult(PollResultMsg{
				Error: err,
				AuthError: &AuthErrorMsg{
					Message: "mail store rejected the stored password; run `mailindex credential set`",
				},
			})
			return
		}

		p.sendResult(PollResultMsg{Error: err})
		return
	}

	for _, a := range accounts {
		p.target.IndexAccount(a)
	}

	p.log.Debug("polled mail store", zap.Int("accounts", len(accounts)))
	p.setStatus(PollIdle, len(accounts), nil)
	p.sendResult(PollResultMsg{Accounts: len(accounts)})
}

func (p *Poller) setStatus(state PollState, accounts int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Error = err
	if state == PollIdle {
		p.status.Accounts = accounts
		p.status.LastPoll = time.Now()
	}
}

// sendResult sends a PollResultMsg without blocking.
func (p *Poller) sendResult(msg PollResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// WaitForResult returns a tea.Cmd that waits for the next poll result.
// Call it again after each PollResultMsg to keep listening.
func (p *Poller) WaitForResult() tea.Cmd {
	return func() tea.Msg {
		return <-p.resultCh
	}
}
