package plcman

import (
	"context"
	"time"

	"taglink/cip"
	"taglink/eip"
	"taglink/logix"
)

// multiReplyHeader is the reply service, status and service count of a
// Multiple Service Packet reply.
const multiReplyHeader = 4 + 2

func (c *Controller) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.lastIO = time.Now()
	ticker := time.NewTicker(c.cfg.pollRate)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// poll runs one cycle: queued writes, pending resolves, then batched reads.
// ctx only stops the cycle between requests; a request already sent runs to
// completion or timeout.
func (c *Controller) poll(ctx context.Context) {
	if c.sess.State() != eip.Connected {
		return
	}
	io := context.WithoutCancel(ctx)
	defer func() {
		c.cycles.Add(1)
		c.lastCycle.Store(time.Now().UnixNano())
	}()

	if !c.flushWrites(ctx, io) {
		return
	}
	if !c.resolvePending(ctx, io) {
		return
	}

	var ready []*Tag
	for _, t := range c.Tags() {
		if t.Resolved() {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		c.keepAlive()
		return
	}

	for _, batch := range c.plan(ready) {
		if ctx.Err() != nil || c.sess.State() != eip.Connected {
			return
		}
		c.readBatch(io, batch)
	}
}

func (c *Controller) keepAlive() {
	if c.cfg.keepAlive <= 0 || time.Since(c.lastIO) < c.cfg.keepAlive {
		return
	}
	if err := c.sess.SendNop(); err != nil {
		c.log.Debug("keep-alive failed", "error", err)
		return
	}
	c.lastIO = time.Now()
}

// flushWrites sends queued writes in order. It returns false when the cycle
// must stop; unsent writes are put back for the next cycle.
func (c *Controller) flushWrites(ctx, io context.Context) bool {
	writes := c.takeWrites()
	for i, w := range writes {
		if ctx.Err() != nil || c.sess.State() != eip.Connected {
			c.requeue(writes[i:])
			return false
		}

		info := w.tag.Type()
		if info == nil {
			var err error
			info, err = c.client.ResolveType(io, w.tag.addr, w.tag.hints)
			if err != nil {
				if sessionFailure(err) {
					c.requeue(writes[i:])
					c.noteFailure(err)
					return false
				}
				if w.tag.fail(err, terminal(err), false) {
					c.emit(Event{Type: EventTagError, Tag: w.tag, Err: err})
				}
				continue
			}
			w.tag.setResolved(info)
		}

		err := c.client.WriteTag(io, w.tag.addr, info, w.value)
		if err != nil {
			if sessionFailure(err) {
				c.requeue(writes[i:])
				c.noteFailure(err)
				return false
			}
			c.log.Warn("write failed", "tag", w.tag.Name(), "error", err)
			c.emit(Event{Type: EventTagError, Tag: w.tag, Value: w.value, Err: err})
			continue
		}
		c.lastIO = time.Now()
		c.writesDone.Add(1)
	}
	return true
}

// resolvePending fetches metadata for tags that have none yet. Terminal
// failures are recorded once and never retried.
func (c *Controller) resolvePending(ctx, io context.Context) bool {
	for _, t := range c.Tags() {
		if !t.needsResolve() {
			continue
		}
		if ctx.Err() != nil || c.sess.State() != eip.Connected {
			return false
		}
		info, err := c.client.ResolveType(io, t.addr, t.hints)
		if err != nil {
			if sessionFailure(err) {
				c.noteFailure(err)
				return false
			}
			term := terminal(err)
			if t.fail(err, term, false) {
				c.log.Warn("resolve failed", "tag", t.Name(), "terminal", term, "error", err)
				c.emit(Event{Type: EventTagError, Tag: t, Err: err})
			}
			continue
		}
		c.lastIO = time.Now()
		t.setResolved(info)
		c.log.Debug("resolved", "tag", t.Name(), "type", info.String())
	}
	return true
}

// plan groups tags into batches whose request and expected reply both fit
// the request size limit. A tag that alone exceeds the limit gets a batch
// of its own and is read with fragmented reads.
func (c *Controller) plan(tags []*Tag) [][]*Tag {
	var (
		batches [][]*Tag
		cur     []*Tag
		reqSum  int
		repSum  int
	)
	limit := c.cfg.maxRequestSize
	for _, t := range tags {
		info := t.Type()
		req, err := logix.ReadRequest(t.addr, info)
		if err != nil {
			continue
		}
		reqN := len(req.Marshal())
		repN := logix.ReplySize(info)

		n := len(cur) + 1
		fits := cip.MultipleServiceSize(n, reqSum+reqN) <= limit &&
			multiReplyHeader+2*n+repSum+repN <= limit &&
			n <= c.cfg.maxBatchTags
		if len(cur) > 0 && !fits {
			batches = append(batches, cur)
			cur, reqSum, repSum = nil, 0, 0
		}
		cur = append(cur, t)
		reqSum += reqN
		repSum += repN
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (c *Controller) readBatch(io context.Context, batch []*Tag) {
	items := make([]logix.ReadItem, len(batch))
	for i, t := range batch {
		items[i] = logix.ReadItem{Address: t.addr, Type: t.Type()}
	}

	results, err := c.client.ReadBatch(io, items)
	if err != nil {
		c.batchFailures.Add(1)
		for _, t := range batch {
			if t.fail(err, false, true) {
				c.emit(Event{Type: EventTagError, Tag: t, Err: err})
			}
		}
		c.noteFailure(err)
		return
	}

	c.failures = 0
	now := time.Now()
	c.lastIO = now
	c.reads.Add(uint64(len(batch)))
	for i, r := range results {
		t := batch[i]
		if r.Err != nil {
			if t.fail(r.Err, false, true) {
				c.log.Warn("read failed", "tag", t.Name(), "error", r.Err)
				c.emit(Event{Type: EventTagError, Tag: t, Err: r.Err})
			}
			continue
		}
		prev, changed := t.update(r.Value, now)
		if changed {
			c.changes.Add(1)
			c.emit(Event{Type: EventTagChanged, Tag: t, Value: r.Value, Previous: prev, Time: now})
		}
	}
}

// noteFailure counts a failed exchange. Reaching the threshold drops the
// session so the reconnect policy takes over.
func (c *Controller) noteFailure(err error) {
	c.failures++
	c.log.Debug("exchange failed", "failures", c.failures, "error", err)
	if c.failures < c.cfg.failureThreshold {
		return
	}
	c.failures = 0
	c.log.Warn("failure threshold reached, reconnecting", "threshold", c.cfg.failureThreshold)
	c.sess.Reconnect()
}
