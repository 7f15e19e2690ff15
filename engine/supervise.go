package engine

import (
	"context"
	"time"

	"taglink/eip"
	"taglink/plcman"
)

// superviseInterval is how often controller states are checked.
const superviseInterval = 100 * time.Millisecond

// retry tracks the pending reconnect of one controller.
type retry struct {
	due   time.Time
	delay time.Duration
	busy  bool
}

type connectResult struct {
	c   *plcman.Controller
	err error
}

// supervise reconnects controllers that sit Disconnected: one that was
// unreachable at startup, or whose session gave up after max_retries. Faulted
// sessions are left to their own reconnect loop. Attempts back off under the
// configured reconnect policy and continue until the controller connects,
// is removed or the engine stops.
func (e *Engine) supervise(policy eip.ReconnectPolicy) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := make(map[*plcman.Controller]*retry)
	results := make(chan connectResult)
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case r := <-results:
			st, ok := pending[r.c]
			if !ok {
				continue
			}
			st.busy = false
			if r.err != nil {
				st.delay = policy.Backoff(st.delay)
				st.due = time.Now().Add(st.delay)
				e.log.Debug("controller still unreachable", "controller", r.c.Name(), "retry_in", st.delay, "error", r.err)
			}
		case now := <-ticker.C:
			live := make(map[*plcman.Controller]bool)
			for _, c := range e.Controllers() {
				live[c] = true
				st := pending[c]
				if c.State() != eip.Disconnected {
					if st != nil && !st.busy && c.State() == eip.Connected {
						delete(pending, c)
					}
					continue
				}
				if st == nil {
					d := policy.Backoff(0)
					pending[c] = &retry{due: now.Add(d), delay: d}
					continue
				}
				if st.busy || now.Before(st.due) {
					continue
				}
				st.busy = true
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					e.log.Info("reconnecting controller", "controller", c.Name(), "address", c.Address())
					err := c.ConnectContext(ctx)
					select {
					case results <- connectResult{c: c, err: err}:
					case <-e.stopChan:
					}
				}()
			}
			for c, st := range pending {
				if !live[c] && !st.busy {
					delete(pending, c)
				}
			}
		}
	}
}
