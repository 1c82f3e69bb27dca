package updater

import (
	"sync"
	"time"

	"github.com/bigbag/papyrix-ota/internal/hal"
)

// BootManager is the part of the boot state the engine relies on.
type BootManager interface {
	IsCommitted() bool
	SetCommitTimeout(d time.Duration) error
}

// Engine hands out update contexts, at most one at a time.
//
// Example:
//
//	eng := updater.New(slotdir.Factory(dir), bootMgr,
//	    updater.WithFirmware(manifest.Firmware{Platform: "host", Version: "1.0.0", BuildID: "dev"}),
//	    updater.WithTimeout(5*time.Minute),
//	)
//	ctx, err := eng.Create()
type Engine struct {
	mu        sync.Mutex
	active    *Context
	newDevice hal.Factory
	boot      BootManager
	config    Config
}

// New creates an Engine that allocates devices with newDevice.
func New(newDevice hal.Factory, boot BootManager, opts ...Option) *Engine {
	if newDevice == nil {
		panic("device factory cannot be nil")
	}
	if boot == nil {
		panic("boot manager cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		newDevice: newDevice,
		boot:      boot,
		config:    cfg,
	}
}

// Create starts an update session. It fails while another session is
// live or the previously installed firmware is not yet committed.
func (e *Engine) Create() (*Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.config.Logger
	if e.active != nil {
		log.Error("update already in progress", "session", e.active.id)
		return nil, newError(KindConcurrentUpdate, "Update already in progress", nil)
	}

	if !e.boot.IsCommitted() {
		log.Error("previous update has not been committed yet")
		return nil, newError(KindConcurrentUpdate, "Previous update has not been committed yet", nil)
	}

	if cb := e.config.OnEvent; cb != nil && !cb(Event{Type: EventInit}) {
		log.Error("update declined by user callback")
		return nil, &Error{Kind: KindDeclined, Code: CodeDeclined, Msg: "Update declined by user callback"}
	}

	dev, err := e.newDevice()
	if err != nil {
		log.Error("failed to init updater", "error", err)
		return nil, newError(KindHalWrite, "Failed to init updater", err)
	}

	c := newContext(e, dev)
	e.active = c
	c.logger.Info("starting update", "timeout", e.config.Timeout.String())
	c.wdt = e.config.AfterFunc(e.config.Timeout, c.expire)
	return c, nil
}

// Active returns the live context, if any.
func (e *Engine) Active() *Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Busy reports whether an update session is live.
func (e *Engine) Busy() bool {
	return e.Active() != nil
}

func (e *Engine) release(c *Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != c {
		return false
	}
	e.active = nil
	return true
}
