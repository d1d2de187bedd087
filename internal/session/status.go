package session

import "github.com/qtrace/qtrace/internal/control/rest"

// Status implements rest.StatusProvider, giving the control API a
// snapshot of the renderer's current state without it needing to import
// the render package directly. It is served from an HTTP handler goroutine
// while the recv loop mutates the same render state concurrently, so every
// field is read under rsMu, the same lock handle() takes before calling
// into the renderer.
func (c *Controller) Status() rest.Status {
	c.rsMu.Lock()
	defer c.rsMu.Unlock()

	tracers := make([]string, 0, len(c.rs.Tracers))
	for _, t := range c.rs.Tracers {
		if t.Query != "" {
			tracers = append(tracers, t.Query)
		}
	}

	return rest.Status{
		PID:             c.pid,
		Attached:        c.rs.Attached,
		Nesting:         c.rs.Nesting,
		MaxNestingSeen:  c.rs.MaxNestingSeen,
		Tracers:         tracers,
		MethodsInterned: len(c.rs.Methods),
		ClassesInterned: len(c.rs.Classes),
	}
}
