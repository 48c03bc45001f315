package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chaz8081/medbox-link/internal/ble"
	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/ble/simulator"
	"github.com/chaz8081/medbox-link/internal/config"
	"github.com/chaz8081/medbox-link/internal/event"
	"github.com/chaz8081/medbox-link/internal/fill"
	"github.com/chaz8081/medbox-link/internal/ota"
	"github.com/chaz8081/medbox-link/internal/store"
)

// controller owns everything one command needs to talk to the pill box.
type controller struct {
	cfg     *config.Config
	bus     *event.Bus
	session *ble.Session
	store   *store.Store
	fill    *fill.Coordinator
	ota     *ota.Coordinator
	out     io.Writer

	syncOnce sync.Once
	synced   chan struct{} // closed after the first reminder sync
}

func newController(cfg *config.Config, adapter ble.Adapter, out io.Writer) (*controller, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	c := &controller{
		cfg:    cfg,
		bus:    event.NewBus(),
		store:  st,
		out:    out,
		synced: make(chan struct{}),
	}
	c.session = ble.NewSession(adapter, c.bus, cfg.SessionOptions())
	c.fill = fill.NewCoordinator(c.session, st, c.bus)
	opts := append(cfg.OTAOptions(), ota.WithProgressCallback(c.printProgress))
	c.ota = ota.New(c.session, c.bus, opts...)

	// Coordinators first so they see device events before the UI does.
	c.bus.Subscribe(c.fill.HandleEvent)
	c.bus.Subscribe(c.ota.HandleEvent)
	c.bus.Subscribe(st.HandleEvent)
	c.bus.Subscribe(c.handshake)
	c.bus.Subscribe(c.print)
	return c, nil
}

// openAdapter returns the radio, or a simulated box when simulate is set.
func openAdapter(cfg *config.Config, simulate bool) ble.Adapter {
	if simulate {
		slog.Info("using simulated pill box")
		return simulator.New(simulator.WithName(cfg.Device.Name))
	}
	return ble.NewTinyGoAdapter()
}

// handshake brings a fresh link up to date: version and status queries, a
// time sync, and once the box acknowledged the time, the reminder schedule.
func (c *controller) handshake(ev event.Event) {
	switch ev.(type) {
	case event.Connected:
		syncTime, err := protocol.SyncTime(time.Now())
		if err != nil {
			slog.Error("building time sync", "error", err)
			return
		}
		for _, cmd := range []protocol.Command{protocol.RequestProtocolVersion(), protocol.RequestStatus(), syncTime} {
			if err := c.session.Send(cmd); err != nil {
				slog.Warn("handshake", "command", cmd, "error", err)
				return
			}
		}
	case event.TimeSyncAck:
		if c.fill.Active() {
			// the workflow pushes the schedule itself when it completes
			return
		}
		reminders, err := c.store.Reminders()
		if err != nil {
			slog.Error("loading reminders", "error", err)
			return
		}
		if err := fill.SyncReminders(c.session, reminders); err != nil {
			slog.Warn("reminder sync", "error", err)
			return
		}
		c.bus.Publish(event.Status{Text: fmt.Sprintf("Synced %d reminders", len(reminders))})
		c.syncOnce.Do(func() { close(c.synced) })
	}
}

// await subscribes match, runs start and blocks until match reports done.
func (c *controller) await(ctx context.Context, start func() error, match func(event.Event) (bool, error)) error {
	result := make(chan error, 1)
	var once sync.Once
	unsubscribe := c.bus.Subscribe(func(ev event.Event) {
		if done, err := match(ev); done {
			once.Do(func() { result <- err })
		}
	})
	defer unsubscribe()

	if start != nil {
		if err := start(); err != nil {
			return err
		}
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect scans for the box and waits until the link is ready.
func (c *controller) connect(ctx context.Context) error {
	return c.await(ctx, c.session.StartScan, func(ev event.Event) (bool, error) {
		switch e := ev.(type) {
		case event.Connected:
			return true, nil
		case event.StateChanged:
			if e.To == ble.StateDisconnected.String() {
				return true, errors.New("could not connect to the pill box")
			}
		}
		return false, nil
	})
}

// waitSynced blocks until the reminder schedule reached the box.
func (c *controller) waitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controller) runFill(ctx context.Context, steps []fill.Step) error {
	return c.await(ctx, func() error { return c.fill.Enqueue(steps) }, func(ev event.Event) (bool, error) {
		switch e := ev.(type) {
		case event.FillComplete:
			return true, nil
		case event.FillCancelled:
			return true, fmt.Errorf("guided fill cancelled with %d slots left", e.Remaining)
		}
		return false, nil
	})
}

func (c *controller) runOTA(ctx context.Context, image []byte) error {
	return c.await(ctx, func() error { return c.ota.Start(image) }, func(ev event.Event) (bool, error) {
		switch e := ev.(type) {
		case event.TransferComplete:
			return true, nil
		case event.TransferFailed:
			return true, e.Err
		}
		return false, nil
	})
}

// Close disconnects and releases the store. Pending events are delivered first.
func (c *controller) Close() error {
	if c.fill.Active() {
		c.fill.Cancel()
	}
	c.ota.Abort()
	if err := c.session.Close(); err != nil && !errors.Is(err, ble.ErrClosed) {
		slog.Warn("closing session", "error", err)
	}
	c.bus.Close()
	return c.store.Close()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}
