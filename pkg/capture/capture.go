// Package capture models the process-wide registration of failure
// handlers. Overriding a platform-global error handler is expressed as
// an explicit ordered chain: each capture site registers a callback,
// callbacks run in registration order, and the previous chain can be
// restored for clean teardown in tests. There is no implicit override
// chaining and no further global mutation after installation.
package capture

import (
	"sync"

	"github.com/google/uuid"

	"github.com/faultlinehq/faultline/pkg/event"
)

// Handler consumes one raw failure payload. Handlers must not block:
// they run inline in the capturing context, which may be a signal
// handler executing during process teardown.
type Handler func(event.RawCapture)

// Chain is an ordered list of capture handlers with deterministic
// invocation order.
type Chain struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewChain creates an empty handler chain.
func NewChain() *Chain {
	return &Chain{}
}

// Register appends a handler. Handlers are invoked in registration
// order on every dispatched capture.
func (c *Chain) Register(h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Dispatch invokes every registered handler, in order, with the raw
// payload. A panicking handler never takes down the capturing context;
// a failure to report an error must not itself crash the app.
func (c *Chain) Dispatch(raw event.RawCapture) {
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(raw)
		}()
	}
}

// Len returns the number of registered handlers.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Process-wide chain. Installed once at startup; Restore puts back
// whatever was installed before, which keeps tests hermetic.
var (
	globalMu    sync.RWMutex
	globalChain = NewChain()
)

// Install replaces the process-wide chain and returns the previous one.
func Install(chain *Chain) (previous *Chain) {
	globalMu.Lock()
	defer globalMu.Unlock()
	previous = globalChain
	globalChain = chain
	return previous
}

// Restore reinstates a previously installed chain.
func Restore(chain *Chain) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalChain = chain
}

// Global returns the process-wide chain.
func Global() *Chain {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalChain
}

// Dispatch sends a raw capture through the process-wide chain.
func Dispatch(raw event.RawCapture) {
	Global().Dispatch(raw)
}

// Session identifies one app run. It changes only on process restart.
type Session struct {
	id string
}

// NewSession starts a fresh session for this process run.
func NewSession() *Session {
	return &Session{id: uuid.NewString()}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}
