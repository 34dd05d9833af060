package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// ID is the handle returned when a callback is registered.
type ID ulid.ULID

func NewID() ID {
	return ID(ulid.Make())
}

func (id ID) String() string {
	return ulid.ULID(id).String()
}

func (id ID) IsZero() bool {
	return id == ID{}
}

type entry[F any] struct {
	id ID
	fn F
}

// List is a copy-on-write callback list. Add and Remove may run concurrently
// with Snapshot; a snapshot taken before a change never observes it.
type List[F any] struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]entry[F]]
}

func (l *List[F]) Add(fn F) ID {
	id := NewID()
	l.mu.Lock()
	defer l.mu.Unlock()

	var next []entry[F]
	if cur := l.entries.Load(); cur != nil {
		next = make([]entry[F], len(*cur), len(*cur)+1)
		copy(next, *cur)
	}
	next = append(next, entry[F]{id: id, fn: fn})
	l.entries.Store(&next)
	return id
}

func (l *List[F]) Remove(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.entries.Load()
	if cur == nil {
		return false
	}
	for i, e := range *cur {
		if e.id != id {
			continue
		}
		next := make([]entry[F], 0, len(*cur)-1)
		next = append(next, (*cur)[:i]...)
		next = append(next, (*cur)[i+1:]...)
		l.entries.Store(&next)
		return true
	}
	return false
}

// Snapshot returns the registered callbacks in registration order.
func (l *List[F]) Snapshot() []F {
	cur := l.entries.Load()
	if cur == nil {
		return nil
	}
	out := make([]F, len(*cur))
	for i, e := range *cur {
		out[i] = e.fn
	}
	return out
}

func (l *List[F]) Len() int {
	cur := l.entries.Load()
	if cur == nil {
		return 0
	}
	return len(*cur)
}

// Keyed holds one List per key, such as a table or reducer name.
type Keyed[F any] struct {
	mu    sync.RWMutex
	lists map[string]*List[F]
	owner map[ID]string
}

func (k *Keyed[F]) Add(key string, fn F) ID {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.lists == nil {
		k.lists = map[string]*List[F]{}
		k.owner = map[ID]string{}
	}
	list, ok := k.lists[key]
	if !ok {
		list = &List[F]{}
		k.lists[key] = list
	}
	id := list.Add(fn)
	k.owner[id] = key
	return id
}

func (k *Keyed[F]) Remove(id ID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, ok := k.owner[id]
	if !ok {
		return false
	}
	delete(k.owner, id)
	return k.lists[key].Remove(id)
}

func (k *Keyed[F]) Snapshot(key string) []F {
	k.mu.RLock()
	list := k.lists[key]
	k.mu.RUnlock()
	if list == nil {
		return nil
	}
	return list.Snapshot()
}

// PanicError is a recovered callback panic.
type PanicError struct {
	Callback string
	Value    any
	Stack    []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s callback panicked: %v", e.Callback, e.Value)
}

// Invoke runs fn and converts a panic into a *PanicError.
func Invoke(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Callback: name, Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}
