package pipeline

import (
	"context"
	"sync"
)

// chatLocks hands out one lock per chat id so at most one query per chat
// appends messages at a time. Entries are dropped when no holder or waiter
// remains.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	held chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

// Lock blocks until the chat is free or ctx is done, and returns the
// matching unlock func.
func (c *chatLocks) Lock(ctx context.Context, chatID string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[chatID]
	if !ok {
		l = &chatLock{held: make(chan struct{}, 1)}
		c.locks[chatID] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.held <- struct{}{}:
	case <-ctx.Done():
		c.release(chatID, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.held
		c.release(chatID, l)
	}, nil
}

func (c *chatLocks) release(chatID string, l *chatLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, chatID)
	}
}

func (c *chatLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
