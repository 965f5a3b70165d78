// Package ledgertest wraps ledger backends with injectable failures.
package ledgertest

import (
	"context"
	"sync"

	"github.com/router-for-me/keyledger/internal/ledger"
)

// Faulty delegates to an inner backend and fails the configured operations.
type Faulty struct {
	Inner ledger.Backend

	mu         sync.Mutex
	appendErr  map[ledger.Kind]error
	readErr    map[ledger.Kind]error
	rewriteErr map[ledger.Kind]error
	rewrites   map[ledger.Kind]int
	holds      map[ledger.Kind]*hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// NewFaulty wraps inner.
func NewFaulty(inner ledger.Backend) *Faulty {
	return &Faulty{
		Inner:      inner,
		appendErr:  map[ledger.Kind]error{},
		readErr:    map[ledger.Kind]error{},
		rewriteErr: map[ledger.Kind]error{},
		rewrites:   map[ledger.Kind]int{},
		holds:      map[ledger.Kind]*hold{},
	}
}

// FailAppend makes appends of kind return err; nil clears it.
func (f *Faulty) FailAppend(kind ledger.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr[kind] = err
}

// FailRead makes reads of kind return err; nil clears it.
func (f *Faulty) FailRead(kind ledger.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr[kind] = err
}

// FailRewrite makes rewrites of kind return err; nil clears it.
func (f *Faulty) FailRewrite(kind ledger.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewriteErr[kind] = err
}

// HoldAppend blocks the next append of kind until release is called. entered is closed once that
// append is waiting.
func (f *Faulty) HoldAppend(kind ledger.Kind) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.holds[kind] = h
	f.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

// Rewrites returns how many successful rewrites of kind happened.
func (f *Faulty) Rewrites(kind ledger.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rewrites[kind]
}

func (f *Faulty) Append(ctx context.Context, kind ledger.Kind, rec ledger.Record) error {
	f.mu.Lock()
	err := f.appendErr[kind]
	h := f.holds[kind]
	delete(f.holds, kind)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if h != nil {
		close(h.entered)
		<-h.release
	}
	return f.Inner.Append(ctx, kind, rec)
}

func (f *Faulty) ReadAll(ctx context.Context, kind ledger.Kind) ([]ledger.Record, error) {
	f.mu.Lock()
	err := f.readErr[kind]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Inner.ReadAll(ctx, kind)
}

func (f *Faulty) Rewrite(ctx context.Context, kind ledger.Kind, recs []ledger.Record) error {
	f.mu.Lock()
	err := f.rewriteErr[kind]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if errInner := f.Inner.Rewrite(ctx, kind, recs); errInner != nil {
		return errInner
	}
	f.mu.Lock()
	f.rewrites[kind]++
	f.mu.Unlock()
	return nil
}
