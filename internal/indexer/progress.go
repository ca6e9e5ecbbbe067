package indexer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// StatusIdle is reported when the queue and the folder walk are exhausted.
const StatusIdle = "Idle"

// Progress is one status update of the indexer.
type Progress struct {
	// Status is StatusIdle or "Indexing: <folder>".
	Status string

	// Folder is the pretty name of the folder being walked, empty when idle.
	Folder string

	FolderIndex  int
	FolderTotal  int
	MessageIndex int
	MessageTotal int
}

// Idle reports whether p is the idle status.
func (p Progress) Idle() bool {
	return p.Status == StatusIdle
}

func idleProgress() Progress {
	return Progress{Status: StatusIdle}
}

func indexingStatus(folder string) string {
	return fmt.Sprintf("Indexing: %s", folder)
}

// ListenerFunc receives progress updates. It is called synchronously from
// the indexer and must not block for long.
type ListenerFunc func(Progress)

// ListenerID identifies a registered listener for RemoveListener.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn ListenerFunc
}

// bus fans progress updates out to listeners.
type bus struct {
	log *zap.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners []listenerEntry
}

func (b *bus) add(fn ListenerFunc) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners = append(b.listeners, listenerEntry{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *bus) remove(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// dispatch delivers every update to every listener, in order. A panicking
// listener is logged and does not stop delivery to the others.
func (b *bus) dispatch(updates []Progress) {
	if len(updates) == 0 {
		return
	}

	b.mu.Lock()
	listeners := make([]listenerEntry, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, p := range updates {
		for _, l := range listeners {
			b.call(l, p)
		}
	}
}

func (b *bus) call(l listenerEntry, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("progress listener panicked",
				zap.Uint64("listener", uint64(l.id)),
				zap.String("status", p.Status),
				zap.Any("panic", r),
			)
		}
	}()
	l.fn(p)
}
