// Package radio owns the on/off state of the local Bluetooth adapter.
//
// Controller serializes every power change and caches the last confirmed
// state so sessions can check it without touching the adapter.
package radio

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"bluetooth-serial/internal/bterr"
)

// State is the power state of the adapter.
type State int32

const (
	// Unknown is reported until the adapter has been queried once.
	Unknown State = iota
	Disabled
	Enabled
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	default:
		return "unknown"
	}
}

func stateOf(on bool) State {
	if on {
		return Enabled
	}
	return Disabled
}

// Adapter is the power backend, implemented by connmgr.Mgr over BlueZ.
type Adapter interface {
	Powered(ctx context.Context) (bool, error)
	SetPowered(ctx context.Context, on bool) error
}

// Authorizer gates power changes. A non-nil error denies the change.
type Authorizer interface {
	AuthorizePower(ctx context.Context, on bool) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, on bool) error

func (f AuthorizerFunc) AuthorizePower(ctx context.Context, on bool) error { return f(ctx, on) }

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithAuthorizer installs the permission collaborator. Without one every
// change is allowed and only the adapter backend can refuse.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Controller) { c.auth = a }
}

// Controller toggles the adapter and reports its state.
type Controller struct {
	adapter Adapter
	auth    Authorizer
	log     *zap.Logger

	mu    sync.Mutex // serializes SetEnabled and Refresh
	state atomic.Int32

	subMu sync.RWMutex
	subs  map[*subscriber]struct{}
}

// New returns a controller in the Unknown state; call Refresh to learn the
// real state.
func New(adapter Adapter, opts ...Option) *Controller {
	c := &Controller{
		adapter: adapter,
		log:     zap.NewNop(),
		subs:    make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CurrentState returns the cached state without blocking.
func (c *Controller) CurrentState() State {
	return State(c.state.Load())
}

// Refresh queries the adapter and updates the cached state.
func (c *Controller) Refresh(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	on, err := c.adapter.Powered(ctx)
	if err != nil {
		return c.CurrentState(), asRadioError("radio.refresh", err)
	}
	c.store(stateOf(on))
	return stateOf(on), nil
}

// SetEnabled powers the adapter on or off and returns the confirmed state.
// Asking for the state the adapter is already in succeeds without a change.
func (c *Controller) SetEnabled(ctx context.Context, target bool) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	on, err := c.adapter.Powered(ctx)
	if err != nil {
		return c.CurrentState(), asRadioError("radio.set_enabled", err)
	}
	c.store(stateOf(on))
	if on == target {
		return stateOf(on), nil
	}

	// Only an actual change needs permission.
	if c.auth != nil {
		if err := c.auth.AuthorizePower(ctx, target); err != nil {
			c.log.Warn("radio: power change denied", zap.Bool("target", target), zap.Error(err))
			return stateOf(on), bterr.New("radio.set_enabled", bterr.ErrPermissionDenied, err)
		}
	}

	if err := c.adapter.SetPowered(ctx, target); err != nil {
		c.log.Warn("radio: power change failed", zap.Bool("target", target), zap.Error(err))
		return c.CurrentState(), asRadioError("radio.set_enabled", err)
	}
	on, err = c.adapter.Powered(ctx)
	if err != nil {
		return c.CurrentState(), asRadioError("radio.set_enabled", err)
	}
	c.store(stateOf(on))
	if on != target {
		return stateOf(on), bterr.New("radio.set_enabled", bterr.ErrAdapterUnavailable, nil)
	}
	c.log.Info("radio: state changed", zap.Stringer("state", stateOf(on)))
	return stateOf(on), nil
}

func (c *Controller) store(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.publish(s)
	}
}

// asRadioError keeps the reason code of a backend error, defaulting to
// AdapterUnavailable.
func asRadioError(op string, err error) error {
	switch bterr.Code(err) {
	case bterr.ErrPermissionDenied.Error(), bterr.ErrAdapterUnavailable.Error():
		return err
	}
	return bterr.New(op, bterr.ErrAdapterUnavailable, err)
}
