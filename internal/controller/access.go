package controller

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/store"
)

const deviceTypeAddr = 0x00F8

// WriteResult reports the outcome of a write.
type WriteResult struct {
	Datapoint string `json:"datapoint"`
	Value     any    `json:"value"`
	ReadBack  any    `json:"read_back,omitempty"`
	// Verified is set when a readback was requested and matched.
	Verified bool `json:"verified"`
}

// Read reads a datapoint from the control unit and dispatches the value.
func (c *Controller) Read(ctx context.Context, name string) (any, error) {
	d, ok := c.model.Datapoint(name)
	if !ok {
		return nil, fmt.Errorf("read datapoint %q: %w", name, ErrUnknown)
	}
	return c.readDescriptor(ctx, d)
}

// ReadAddress reads the datapoint registered at addr.
func (c *Controller) ReadAddress(ctx context.Context, addr uint16) (string, any, error) {
	d, ok := c.model.ByAddress(addr)
	if !ok {
		return "", nil, fmt.Errorf("read address 0x%04X: %w", addr, ErrUnknown)
	}
	v, err := c.readDescriptor(ctx, d)
	return d.Name, v, err
}

func (c *Controller) readDescriptor(ctx context.Context, d *datapoint.Descriptor) (any, error) {
	resp, err := c.link.Do(ctx, readRequest(d))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Name, err)
	}
	v, err := c.model.Decode(d, resp.Payload)
	if err != nil {
		return nil, err
	}
	c.setValue(d.Name, v)
	return v, nil
}

// ReadRaw is a diagnostic read of any address. addr is four hex digits,
// length 1..32 bytes and unit a known unit code. Nothing is dispatched.
func (c *Controller) ReadRaw(ctx context.Context, addr string, length int, unit string) (any, error) {
	a, err := datapoint.ParseAddress(addr)
	if err != nil {
		return nil, optolink.ValueError("read raw", "%v", err)
	}
	d, err := datapoint.Ephemeral(a, length, unit)
	if err != nil {
		return nil, optolink.ValueError("read raw", "%v", err)
	}
	resp, err := c.link.Do(ctx, readRequest(d))
	if err != nil {
		return nil, fmt.Errorf("read raw %s: %w", d.AddressString(), err)
	}
	return c.model.Decode(d, resp.Payload)
}

// DeviceType reads the device identification. id is the hex identifier and
// name the devicetypes token, or id when the table has no entry.
func (c *Controller) DeviceType(ctx context.Context) (id, name string, err error) {
	d, err := datapoint.Ephemeral(deviceTypeAddr, 2, "DT")
	if err != nil {
		return "", "", err
	}
	resp, err := c.link.Do(ctx, readRequest(d))
	if err != nil {
		return "", "", fmt.Errorf("read device type: %w", err)
	}
	v, err := c.model.Decode(d, resp.Payload)
	if err != nil {
		return "", "", err
	}
	id = fmt.Sprintf("%02X%02X", resp.Payload[0], resp.Payload[1])
	return id, fmt.Sprint(v), nil
}

// Write sends value to a datapoint. A registered item's read_after_write
// and triggers apply.
func (c *Controller) Write(ctx context.Context, name string, value any) (WriteResult, error) {
	var delay time.Duration
	if it := c.item(name); it != nil {
		delay = time.Duration(it.spec.ReadAfterWrite) * time.Second
	}
	return c.WriteWithReadback(ctx, name, value, delay)
}

// WriteAddress writes to the datapoint registered at addr.
func (c *Controller) WriteAddress(ctx context.Context, addr uint16, value any) (WriteResult, error) {
	d, ok := c.model.ByAddress(addr)
	if !ok {
		return WriteResult{}, fmt.Errorf("write address 0x%04X: %w", addr, ErrUnknown)
	}
	return c.Write(ctx, d.Name, value)
}

// WriteWithReadback writes value and, when delay is positive, reads the
// datapoint back after delay and reports whether it matches.
func (c *Controller) WriteWithReadback(ctx context.Context, name string, value any, delay time.Duration) (WriteResult, error) {
	res := WriteResult{Datapoint: name, Value: value}
	d, ok := c.model.Datapoint(name)
	if !ok {
		return res, fmt.Errorf("write datapoint %q: %w", name, ErrUnknown)
	}
	payload, err := c.model.Encode(d, value)
	if err != nil {
		return res, err
	}
	expected, err := c.model.Decode(d, payload)
	if err != nil {
		return res, err
	}

	_, err = c.link.Do(ctx, optolink.Request{Addr: d.Address, Length: d.Length, Payload: payload})
	if err != nil {
		c.record(&store.Entry{Kind: store.KindWriteFailed, Datapoint: name, Value: value, Error: err.Error()})
		return res, fmt.Errorf("write %s: %w", name, err)
	}
	c.logger.Info("datapoint written", "datapoint", name, "value", expected)
	c.record(&store.Entry{Kind: store.KindWrite, Datapoint: name, Value: expected})
	c.setValue(name, expected)

	if delay > 0 {
		if err := c.sleep(ctx, delay); err != nil {
			return res, err
		}
		back, err := c.readDescriptor(ctx, d)
		if err != nil {
			return res, fmt.Errorf("read back: %w", err)
		}
		res.ReadBack = back
		res.Verified = reflect.DeepEqual(back, expected)
		if !res.Verified {
			c.logger.Warn("read back mismatch", "datapoint", name, "want", expected, "got", back)
		}
	}
	c.events.Emit(Event{Type: EventWrite, Data: res})
	c.scheduleTriggers(name)
	return res, nil
}

func (c *Controller) scheduleTriggers(name string) {
	it := c.item(name)
	if it == nil || len(it.spec.Triggers) == 0 {
		return
	}
	delay := time.Duration(it.spec.TriggerDelay) * time.Second
	if delay <= 0 {
		delay = defaultTriggerDelay
	}
	triggers := append([]string(nil), it.spec.Triggers...)
	c.after(delay, func() {
		for _, t := range triggers {
			if !c.alive.Load() {
				return
			}
			if _, err := c.Read(c.ctx, t); err != nil {
				c.logger.Warn("trigger read failed", "datapoint", t, "trigger", name, "err", err)
			}
		}
	})
}
