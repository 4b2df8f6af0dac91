// Package safego launches panic-recovering background goroutines.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go runs fn in a new goroutine. A panic is recovered and logged with name so
// a misbehaving best-effort task cannot take the process down.
func Go(name string, fn func()) {
	go run(name, fn)
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
		}
	}()
	fn()
}

// Group tracks the goroutines it starts so shutdown can wait for them.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go is like the package-level Go but registers the goroutine with g.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(name, fn)
	}()
}

// Wait blocks until every goroutine started by g has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
