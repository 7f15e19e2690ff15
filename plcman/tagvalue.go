package plcman

import (
	"strings"
	"sync"
	"time"

	"taglink/logix"
)

// TagOptions are optional registration parameters for AddTag.
type TagOptions struct {
	// Program scopes the tag to a program. A "Program:Name." prefix in the
	// path does the same.
	Program string
	// ArrayDims and ArraySize are expectations checked against the
	// controller's metadata when the tag resolves. Zero means not given.
	ArrayDims int
	ArraySize int
}

// Tag is one registered data point. Its value is cached by the owning
// controller's poll worker; accessors never perform I/O.
type Tag struct {
	ctrl  *Controller
	index int
	addr  *logix.Address
	path  string
	hints logix.Hints

	mu       sync.RWMutex
	info     *logix.TypeInfo
	value    logix.Value
	updated  time.Time
	stale    bool
	err      error
	terminal bool
}

func tagKey(a *logix.Address) string {
	return strings.ToLower(a.String())
}

// Controller returns the owning controller.
func (t *Tag) Controller() *Controller { return t.ctrl }

// Index is the registration position within the controller.
func (t *Tag) Index() int { return t.index }

// Path returns the path as registered.
func (t *Tag) Path() string { return t.path }

// Program returns the program scope, empty for controller scope.
func (t *Tag) Program() string { return t.addr.Program }

// Name returns the canonical path, including any program scope.
func (t *Tag) Name() string { return t.addr.String() }

// Address returns the parsed path.
func (t *Tag) Address() *logix.Address { return t.addr }

// Value returns the last value read, or an invalid Value if none was read yet.
func (t *Tag) Value() logix.Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

// Updated returns when the cached value last changed.
func (t *Tag) Updated() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updated
}

// Type returns the resolved type, nil until the tag resolves.
func (t *Tag) Type() *logix.TypeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// Resolved reports whether the tag's type is known.
func (t *Tag) Resolved() bool { return t.Type() != nil }

// Stale reports that the last read of the tag failed; Value still holds the
// last good value.
func (t *Tag) Stale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale
}

// Err returns the last resolve or read error, nil after a good read.
func (t *Tag) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// SetValue queues v to be written before the next read cycle. A resolved tag
// checks the value shape first and returns logix.ErrTypeMismatch without
// queueing. A later SetValue replaces a write still waiting in the queue.
func (t *Tag) SetValue(v logix.Value) error {
	if info := t.Type(); info != nil {
		if _, err := logix.Encode(info, v); err != nil {
			return err
		}
	}
	return t.ctrl.enqueueWrite(t, v)
}

func (t *Tag) needsResolve() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info == nil && !t.terminal
}

func (t *Tag) setResolved(info *logix.TypeInfo) {
	t.mu.Lock()
	t.info = info
	t.err = nil
	t.mu.Unlock()
}

// fail records err and reports whether it differs from the error already
// recorded, so a persistent failure is announced once.
func (t *Tag) fail(err error, terminal, stale bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.err == nil || t.err.Error() != err.Error()
	t.err = err
	t.terminal = t.terminal || terminal
	if stale {
		t.stale = true
	}
	return changed
}

// update stores v and reports the previous value when it changed. A stale
// tag is cleared by any successful read.
func (t *Tag) update(v logix.Value, now time.Time) (prev logix.Value, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stale = false
	t.err = nil
	prev = t.value
	if prev.IsValid() && prev.Equal(v) {
		return prev, false
	}
	t.value = v
	t.updated = now
	return prev, true
}
