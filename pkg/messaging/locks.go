package messaging

import (
	"sync"
)

// roomLocks serializes writers per (account, room) pair so a live message
// and a concurrent catchup for the same conversation cannot interleave
// their read-then-append sequences. Different conversations proceed in
// parallel.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*sync.Mutex)}
}

func (rl *roomLocks) get(account AccountID, room RoomID) *sync.Mutex {
	key := string(account) + "\x00" + string(room)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lock, ok := rl.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		rl.locks[key] = lock
	}
	return lock
}
