package radio

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"bluetooth-serial/internal/bterr"
)

// fakeAdapter simulates adapter power in memory.
type fakeAdapter struct {
	mu       sync.Mutex
	powered  bool
	sets     int
	readErr  error
	setErr   error
	stuckOff bool // SetPowered(true) succeeds but the adapter stays off
}

func (f *fakeAdapter) Powered(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powered, f.readErr
}

func (f *fakeAdapter) SetPowered(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	if on && f.stuckOff {
		return nil
	}
	f.powered = on
	return nil
}

func TestSetEnabledFromDisabled(t *testing.T) {
	ctx := context.Background()
	a := &fakeAdapter{}
	c := New(a)

	if got := c.CurrentState(); got != Unknown {
		t.Fatalf("initial state = %v, want unknown", got)
	}
	if st, err := c.Refresh(ctx); err != nil || st != Disabled {
		t.Fatalf("Refresh = %v, %v; want disabled", st, err)
	}

	st, err := c.SetEnabled(ctx, true)
	if err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if st != Enabled || c.CurrentState() != Enabled {
		t.Errorf("state = %v / cached %v, want enabled", st, c.CurrentState())
	}

	st, err = c.SetEnabled(ctx, false)
	if err != nil || st != Disabled {
		t.Fatalf("SetEnabled(false) = %v, %v", st, err)
	}
	if a.sets != 2 {
		t.Errorf("adapter sets = %d, want 2", a.sets)
	}
}

func TestSetEnabledIsIdempotent(t *testing.T) {
	a := &fakeAdapter{powered: true}
	c := New(a)
	for i := 0; i < 3; i++ {
		st, err := c.SetEnabled(context.Background(), true)
		if err != nil || st != Enabled {
			t.Fatalf("SetEnabled #%d = %v, %v", i, st, err)
		}
	}
	if a.sets != 0 {
		t.Errorf("adapter was written %d times for a no-op", a.sets)
	}
}

func TestSetEnabledPermissionDenied(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a := &fakeAdapter{}
	deny := AuthorizerFunc(func(context.Context, bool) error { return errors.New("BLUETOOTH_CONNECT not granted") })
	c := New(a, WithAuthorizer(deny), WithLogger(zap.New(core)))

	st, err := c.SetEnabled(context.Background(), true)
	if !errors.Is(err, bterr.ErrPermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	if st != Disabled || a.sets != 0 {
		t.Errorf("state = %v, sets = %d; denied change must report the observed state and not touch the adapter", st, a.sets)
	}
	if got := c.CurrentState(); got != Disabled {
		t.Errorf("CurrentState = %v, want disabled", got)
	}
	if logs.FilterMessage("radio: power change denied").Len() != 1 {
		t.Errorf("expected a denial log entry, got %v", logs.All())
	}
}

func TestSetEnabledAuthorizerOnlyForChanges(t *testing.T) {
	tests := []struct {
		name    string
		powered bool
		target  bool
		want    State
		wantErr error
		asked   int
	}{
		{name: "already on", powered: true, target: true, want: Enabled, asked: 0},
		{name: "already off", powered: false, target: false, want: Disabled, asked: 0},
		{name: "turn on", powered: false, target: true, want: Disabled, wantErr: bterr.ErrPermissionDenied, asked: 1},
		{name: "turn off", powered: true, target: false, want: Enabled, wantErr: bterr.ErrPermissionDenied, asked: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAdapter{powered: tt.powered}
			asked := 0
			deny := AuthorizerFunc(func(context.Context, bool) error {
				asked++
				return errors.New("not allowed")
			})
			c := New(a, WithAuthorizer(deny))

			st, err := c.SetEnabled(context.Background(), tt.target)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("SetEnabled: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if st != tt.want {
				t.Errorf("state = %v, want %v", st, tt.want)
			}
			if asked != tt.asked {
				t.Errorf("authorizer asked %d times, want %d", asked, tt.asked)
			}
			if a.sets != 0 {
				t.Errorf("adapter set %d times, want 0", a.sets)
			}
		})
	}
}

func TestSetEnabledBackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		adapter *fakeAdapter
		want    error
	}{
		{
			name:    "no adapter",
			adapter: &fakeAdapter{readErr: bterr.New("connmgr.powered", bterr.ErrAdapterUnavailable, errors.New("UnknownObject"))},
			want:    bterr.ErrAdapterUnavailable,
		},
		{
			name:    "backend refuses authorization",
			adapter: &fakeAdapter{setErr: bterr.New("connmgr.set_powered", bterr.ErrPermissionDenied, errors.New("AccessDenied"))},
			want:    bterr.ErrPermissionDenied,
		},
		{
			name:    "uncoded backend error",
			adapter: &fakeAdapter{setErr: errors.New("rfkill blocked")},
			want:    bterr.ErrAdapterUnavailable,
		},
		{
			name:    "adapter never powers on",
			adapter: &fakeAdapter{stuckOff: true},
			want:    bterr.ErrAdapterUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.adapter)
			_, err := c.SetEnabled(context.Background(), true)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if c.CurrentState() == Enabled {
				t.Errorf("cached state must not be enabled after a failure")
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	c := New(&fakeAdapter{})
	ch, unsub := c.Subscribe()

	if _, err := c.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	// No-op change publishes nothing.
	if _, err := c.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub()

	var got []State
	for st := range ch {
		got = append(got, st)
	}
	want := []State{Enabled, Disabled}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConcurrentToggleIsSerialized(t *testing.T) {
	a := &fakeAdapter{}
	c := New(a)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			if _, err := c.SetEnabled(context.Background(), on); err != nil {
				t.Errorf("SetEnabled: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()
	if got, want := c.CurrentState(), stateOf(a.powered); got != want {
		t.Errorf("cached %v, adapter %v", got, want)
	}
}
