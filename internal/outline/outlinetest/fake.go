// Package outlinetest provides an in-memory Outline server for tests.
package outlinetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/router-for-me/keyledger/internal/outline"
)

// Fake is an in-memory gateway. Error fields inject failures into the matching call.
type Fake struct {
	mu    sync.Mutex
	keys  map[string]outline.Key
	order []string
	next  int

	CreateErr   error
	SetQuotaErr error
	ListErr     error
	deleteErr   map[string]error
	deleted     []string
	quotaCalls  int
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{keys: map[string]outline.Key{}, deleteErr: map[string]error{}}
}

// Put adds or replaces a key.
func (f *Fake) Put(k outline.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[k.ID]; !ok {
		f.order = append(f.order, k.ID)
	}
	f.keys[k.ID] = k
}

// Get returns a key.
func (f *Fake) Get(id string) (outline.Key, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	return k, ok
}

// Count returns the number of keys.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

// Deleted returns the ids deleted so far.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// QuotaCalls returns the number of SetQuota calls.
func (f *Fake) QuotaCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotaCalls
}

// FailDelete makes Delete of id return err.
func (f *Fake) FailDelete(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr[id] = err
}

// Create adds a key named name.
func (f *Fake) Create(_ context.Context, name string) (outline.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return outline.Key{}, f.CreateErr
	}
	f.next++
	id := strconv.Itoa(f.next)
	for f.keys[id].ID != "" {
		f.next++
		id = strconv.Itoa(f.next)
	}
	k := outline.Key{ID: id, Name: name, AccessURL: fmt.Sprintf("ss://fake-%s", id)}
	f.keys[id] = k
	f.order = append(f.order, id)
	return k, nil
}

// SetQuota sets or removes the data limit.
func (f *Fake) SetQuota(_ context.Context, id string, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotaCalls++
	if f.SetQuotaErr != nil {
		return f.SetQuotaErr
	}
	k, ok := f.keys[id]
	if !ok {
		return outline.ErrNotFound
	}
	if bytes < 0 {
		bytes = 0
	}
	k.QuotaBytes = bytes
	f.keys[id] = k
	return nil
}

// List returns keys in creation order.
func (f *Fake) List(_ context.Context) ([]outline.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]outline.Key, 0, len(f.keys))
	for _, id := range f.order {
		if k, ok := f.keys[id]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Delete removes a key.
func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	if _, ok := f.keys[id]; !ok {
		return outline.ErrNotFound
	}
	delete(f.keys, id)
	f.deleted = append(f.deleted, id)
	return nil
}

// Ping always succeeds unless ListErr is set.
func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ListErr
}
