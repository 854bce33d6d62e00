package controller

import (
	"context"
	"fmt"

	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/schedule"
	"viessmann-go-home/internal/store"
)

// TimerApplications lists the timer applications of the model.
func (c *Controller) TimerApplications() []string {
	return sortedNames(c.apps)
}

func (c *Controller) application(name string) (*schedule.Application, error) {
	app, ok := c.apps[name]
	if !ok {
		return nil, fmt.Errorf("timer application %q: %w", name, ErrUnknown)
	}
	return app, nil
}

// ReadTimers reads the seven days of a timer application and returns them
// as a UZSU document.
func (c *Controller) ReadTimers(ctx context.Context, name string) (schedule.Document, error) {
	app, err := c.application(name)
	if err != nil {
		return schedule.Document{}, err
	}
	reqs := make([]optolink.Request, len(app.Days))
	for i, d := range app.Days {
		reqs[i] = readRequest(d)
	}

	var resps []optolink.Response
	if c.link.Dialect() == optolink.KW {
		resps, err = c.link.Bulk(ctx, reqs)
		if err != nil {
			return schedule.Document{}, fmt.Errorf("read timers %s: %w", name, err)
		}
	} else {
		resps = make([]optolink.Response, len(reqs))
		for i, req := range reqs {
			if resps[i], err = c.link.Do(ctx, req); err != nil {
				return schedule.Document{}, fmt.Errorf("read timers %s: %w", name, err)
			}
		}
	}

	var week schedule.Week
	for i, d := range app.Days {
		v, err := c.model.Decode(d, resps[i].Payload)
		if err != nil {
			return schedule.Document{}, err
		}
		ct, ok := v.(datapoint.CycleTime)
		if !ok {
			return schedule.Document{}, fmt.Errorf("read timers %s: %s is not a cycle time", name, d.Name)
		}
		week[i] = ct
		c.setValue(d.Name, ct)
	}
	doc := week.Document()
	c.storeTimers(name, doc)
	return doc, nil
}

// WriteTimers encodes a UZSU event list and writes all seven days of the
// application.
func (c *Controller) WriteTimers(ctx context.Context, name string, events []schedule.Event) (schedule.Document, error) {
	app, err := c.application(name)
	if err != nil {
		return schedule.Document{}, err
	}
	week, err := schedule.FromEvents(events)
	if err != nil {
		return schedule.Document{}, optolink.ValueError("write timers "+name, "%v", err)
	}
	payloads := make([][]byte, len(app.Days))
	for i, d := range app.Days {
		if payloads[i], err = c.model.Encode(d, week[i]); err != nil {
			return schedule.Document{}, err
		}
	}
	for i, d := range app.Days {
		req := optolink.Request{Addr: d.Address, Length: d.Length, Payload: payloads[i]}
		if _, err := c.link.Do(ctx, req); err != nil {
			c.record(&store.Entry{Kind: store.KindWriteFailed, Datapoint: d.Name, Error: err.Error()})
			return schedule.Document{}, fmt.Errorf("write timers %s: %w", name, err)
		}
		c.setValue(d.Name, week[i])
	}
	doc := week.Document()
	c.logger.Info("timers written", "application", name, "events", len(doc.List))
	c.record(&store.Entry{Kind: store.KindTimers, Datapoint: name, Value: doc.List})
	c.storeTimers(name, doc)
	return doc, nil
}

// Timers returns the last document read or written for an application.
func (c *Controller) Timers(name string) (schedule.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.timers[name]
	return doc, ok
}

func (c *Controller) storeTimers(name string, doc schedule.Document) {
	c.mu.Lock()
	c.timers[name] = doc
	c.mu.Unlock()
	c.events.Emit(Event{Type: EventTimers, Data: TimerUpdate{Application: name, Document: doc}})
}
