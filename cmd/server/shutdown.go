package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// stopper is one component in the shutdown sequence.
type stopper struct {
	name string
	fn   func(context.Context) error
}

// closer adapts a Close method to a stopper.
func closer(name string, c interface{ Close() error }) stopper {
	return stopper{name: name, fn: func(context.Context) error { return c.Close() }}
}

// waitForDrain holds the process while load balancers notice the failing
// readiness check. A second signal ends the wait early.
func waitForDrain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "sleeping for drain period", "drain", d)

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(d):
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll runs stoppers in order. Each gets an equal slice of budget; nil
// functions are skipped.
func stopAll(L log.Logger, budget time.Duration, stops []stopper) {
	if len(stops) == 0 {
		return
	}
	perComponent := budget / time.Duration(len(stops))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stops {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}
