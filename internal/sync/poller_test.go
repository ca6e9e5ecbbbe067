package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/mailstore/imapstore"
	"github.com/nhle/mailindex/tests/testutil"
)

type recordingTarget struct {
	mu    gosync.Mutex
	names []string
	busy  bool
}

func (r *recordingTarget) Indexing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *recordingTarget) setBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = busy
}

func (r *recordingTarget) IndexAccount(a mailstore.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, a.Name())
}

func (r *recordingTarget) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type failingStore struct {
	mailstore.Store
	err error
}

func (f failingStore) Accounts(ctx context.Context) ([]mailstore.Account, error) {
	return nil, f.err
}

func TestPollQueuesEveryAccount(t *testing.T) {
	mail := testutil.NewFakeMailStore()
	mail.AddAccount("home")
	mail.AddAccount("work")
	target := &recordingTarget{}

	p := New(mail, target, time.Hour, nil)
	p.poll(context.Background())

	assert.Equal(t, []string{"home", "work"}, target.Names())

	status := p.Status()
	assert.Equal(t, PollIdle, status.State)
	assert.Equal(t, 2, status.Accounts)
	assert.False(t, status.LastPoll.IsZero())
	assert.NoError(t, status.Error)

	msg := p.WaitForResult()()
	assert.Equal(t, PollResultMsg{Accounts: 2}, msg)
}

func TestPollSkippedWhileIndexing(t *testing.T) {
	mail := testutil.NewFakeMailStore()
	mail.AddAccount("home")
	target := &recordingTarget{busy: true}

	p := New(mail, target, time.Hour, nil)
	p.poll(context.Background())
	p.poll(context.Background())

	assert.Empty(t, target.Names())
	assert.True(t, p.Status().LastPoll.IsZero())

	target.setBusy(false)
	p.poll(context.Background())
	assert.Equal(t, []string{"home"}, target.Names())
}

func TestPollReportsErrors(t *testing.T) {
	boom := errors.New("connection reset")
	p := New(failingStore{err: boom}, &recordingTarget{}, time.Hour, nil)
	p.poll(context.Background())

	status := p.Status()
	assert.Equal(t, PollError, status.State)
	assert.ErrorIs(t, status.Error, boom)

	msg := p.WaitForResult()().(PollResultMsg)
	assert.ErrorIs(t, msg.Error, boom)
	assert.Nil(t, msg.AuthError)
}

func TestPollReportsAuthErrors(t *testing.T) {
	err := fmt.Errorf("refreshing work: %w", &imapstore.AuthError{Account: "work", Message: "bad password"})
	p := New(failingStore{err: err}, &recordingTarget{}, time.Hour, nil)
	p.poll(context.Background())

	msg := p.WaitForResult()().(PollResultMsg)
	require.NotNil(t, msg.AuthError)
	assert.Contains(t, msg.AuthError.Message, "credential set")
}

func TestRunPollsImmediatelyAndOnRefresh(t *testing.T) {
	mail := testutil.NewFakeMailStore()
	mail.AddAccount("home")
	target := &recordingTarget{}
	p := New(mail, target, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.WaitForResult()()
	p.Refresh()
	p.WaitForResult()()

	cancel()
	<-done
	assert.Equal(t, []string{"home", "home"}, target.Names())
}

func TestPollStateString(t *testing.T) {
	assert.Equal(t, "idle", PollIdle.String())
	assert.Equal(t, "polling", PollRunning.String())
	assert.Equal(t, "error", PollError.String())
	assert.Equal(t, "PollState(9)", PollState(9).String())
}
