package controller

import (
	"context"
	"errors"
	"fmt"

	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
)

// poll runs one cyclic pass over the items that are due. A pass that
// starts while another is active returns without touching the line.
func (c *Controller) poll(ctx context.Context) {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Warn("poll already running, skipping pass")
		return
	}
	defer c.busy.Store(false)

	now := c.now()
	c.mu.Lock()
	var due []*Item
	for _, name := range sortedNames(c.items) {
		it := c.items[name]
		if it.blacklisted || it.cycle == 0 || now.Before(it.nextDue) {
			continue
		}
		it.nextDue = now.Add(it.cycle)
		due = append(due, it)
	}
	c.mu.Unlock()

	c.readItems(ctx, due)
	c.checkLinkState()
}

// initialPass reads the init items and the items without a cycle, then the
// configured timer applications.
func (c *Controller) initialPass(ctx context.Context) {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Warn("poll already running, skipping initial pass")
		return
	}
	now := c.now()
	c.mu.Lock()
	var batch []*Item
	for _, name := range sortedNames(c.items) {
		it := c.items[name]
		if it.blacklisted || !(it.spec.Init || it.cycle == 0) {
			continue
		}
		if it.cycle > 0 {
			it.nextDue = now.Add(it.cycle)
		}
		batch = append(batch, it)
	}
	c.mu.Unlock()

	c.logger.Info("initial read", "items", len(batch))
	c.readItems(ctx, batch)
	c.busy.Store(false)

	for _, app := range c.timerApps {
		if !c.alive.Load() || ctx.Err() != nil {
			return
		}
		if _, err := c.ReadTimers(ctx, app); err != nil {
			c.logger.Warn("timer read failed", "application", app, "err", err)
		}
	}
	c.checkLinkState()
}

// UpdateAll reads every registered item that is not blacklisted,
// regardless of its schedule.
func (c *Controller) UpdateAll(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("update all: %w", optolink.ErrContention)
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	var batch []*Item
	for _, name := range sortedNames(c.items) {
		if it := c.items[name]; !it.blacklisted {
			batch = append(batch, it)
		}
	}
	c.mu.Unlock()

	c.readItems(ctx, batch)
	c.checkLinkState()
	return ctx.Err()
}

// readItems reads a batch: one bulk exchange on KW, one request per item on
// P300. Every outcome is applied to its item.
func (c *Controller) readItems(ctx context.Context, items []*Item) {
	if len(items) == 0 {
		return
	}
	if c.link.Dialect() == optolink.KW && len(items) > 1 {
		c.readBulk(ctx, items)
		return
	}
	for _, it := range items {
		if !c.alive.Load() || ctx.Err() != nil {
			return
		}
		resp, err := c.fetch(ctx, it.desc)
		if err != nil {
			c.fail(it, err)
			continue
		}
		c.apply(it.desc, resp)
	}
}

func (c *Controller) readBulk(ctx context.Context, items []*Item) {
	reqs := make([]optolink.Request, len(items))
	for i, it := range items {
		reqs[i] = readRequest(it.desc)
	}
	resps, err := c.link.Bulk(ctx, reqs)
	if err != nil {
		var be *optolink.BulkError
		if errors.As(err, &be) && be.Index < len(items) {
			c.fail(items[be.Index], be.Err)
			return
		}
		c.logger.Warn("bulk read failed", "items", len(items), "err", err)
		return
	}
	for i, it := range items {
		c.apply(it.desc, resps[i])
	}
}

// fetch reads d, retrying once when the line dropped. The retry reopens
// the session.
func (c *Controller) fetch(ctx context.Context, d *datapoint.Descriptor) (optolink.Response, error) {
	resp, err := c.link.Do(ctx, readRequest(d))
	if err == nil {
		return resp, nil
	}
	switch optolink.KindOf(err) {
	case optolink.KindIO, optolink.KindTimeout:
		if !c.alive.Load() || ctx.Err() != nil {
			return resp, err
		}
		c.logger.Debug("retrying read", "datapoint", d.Name, "err", err)
		return c.link.Do(ctx, readRequest(d))
	}
	return resp, err
}

func (c *Controller) apply(d *datapoint.Descriptor, resp optolink.Response) {
	v, err := c.model.Decode(d, resp.Payload)
	if err != nil {
		c.logger.Warn("decode failed", "datapoint", d.Name, "payload", fmt.Sprintf("% X", resp.Payload), "err", err)
		return
	}
	c.setValue(d.Name, v)
}

func readRequest(d *datapoint.Descriptor) optolink.Request {
	return optolink.Request{Addr: d.Address, Length: d.Length}
}
