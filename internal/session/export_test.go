package session

// inspect runs fn on the loop goroutine, so tests can read or hold
// controller state without racing the loop.
type inspect struct {
	fn func(*Controller)
}

func (inspect) isSessionMsg()         {}
func (m inspect) runOn(c *Controller) { m.fn(c) }
