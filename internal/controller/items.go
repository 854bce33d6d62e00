package controller

import (
	"fmt"
	"time"

	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/store"
)

const (
	minCycle            = 30 * time.Second
	idleTick            = 15 * time.Second
	defaultTriggerDelay = 5 * time.Second
	blacklistThreshold  = 2
)

// ItemSpec describes how one datapoint is polled and written.
type ItemSpec struct {
	Datapoint      string   `yaml:"datapoint" json:"datapoint"`
	Cycle          int      `yaml:"cycle" json:"cycle"` // seconds; 0 reads once at init
	Init           bool     `yaml:"init" json:"init"`
	ReadAfterWrite int      `yaml:"read_after_write" json:"read_after_write"` // seconds
	Triggers       []string `yaml:"triggers" json:"triggers,omitempty"`
	TriggerDelay   int      `yaml:"trigger_delay" json:"trigger_delay"` // seconds; 0 uses 5
}

// Item is the handle of a registered datapoint.
type Item struct {
	spec  ItemSpec
	desc  *datapoint.Descriptor
	cycle time.Duration

	// Guarded by Controller.mu.
	nextDue     time.Time
	errors      int
	blacklisted bool
}

// Name returns the datapoint name.
func (it *Item) Name() string { return it.desc.Name }

// Cycle returns the effective polling cycle; zero means init only.
func (it *Item) Cycle() time.Duration { return it.cycle }

// ItemStatus is a snapshot of a registered item.
type ItemStatus struct {
	Datapoint   string `json:"datapoint"`
	Address     string `json:"address"`
	Unit        string `json:"unit"`
	Cycle       int    `json:"cycle"`
	Init        bool   `json:"init"`
	Writable    bool   `json:"writable"`
	Errors      int    `json:"errors"`
	Blacklisted bool   `json:"blacklisted"`
}

// Register adds a datapoint to the polling set. Cycles below 30 s are
// raised to 30 s.
func (c *Controller) Register(spec ItemSpec) (*Item, error) {
	d, ok := c.model.Datapoint(spec.Datapoint)
	if !ok {
		return nil, fmt.Errorf("register datapoint %q: %w", spec.Datapoint, ErrUnknown)
	}
	if spec.Cycle < 0 {
		return nil, fmt.Errorf("register %s: negative cycle %d", spec.Datapoint, spec.Cycle)
	}
	for _, t := range spec.Triggers {
		if _, ok := c.model.Datapoint(t); !ok {
			return nil, fmt.Errorf("register %s: trigger datapoint %q: %w", spec.Datapoint, t, ErrUnknown)
		}
	}
	cycle := time.Duration(spec.Cycle) * time.Second
	if cycle > 0 && cycle < minCycle {
		c.logger.Info("cycle raised to minimum", "datapoint", d.Name, "cycle", spec.Cycle, "min", int(minCycle.Seconds()))
		cycle = minCycle
	}
	it := &Item{spec: spec, desc: d, cycle: cycle}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.items[d.Name]; dup {
		return nil, fmt.Errorf("register: datapoint %q already registered", d.Name)
	}
	c.items[d.Name] = it
	return it, nil
}

// Unregister removes an item from the polling set.
func (c *Controller) Unregister(it *Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items[it.Name()] == it {
		delete(c.items, it.Name())
	}
}

func (c *Controller) item(name string) *Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[name]
}

// Items returns the registered items sorted by datapoint name.
func (c *Controller) Items() []ItemStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ItemStatus, 0, len(c.items))
	for _, name := range sortedNames(c.items) {
		it := c.items[name]
		out = append(out, ItemStatus{
			Datapoint:   name,
			Address:     it.desc.AddressString(),
			Unit:        it.desc.UnitCode(),
			Cycle:       int(it.cycle.Seconds()),
			Init:        it.spec.Init,
			Writable:    it.desc.Writable,
			Errors:      it.errors,
			Blacklisted: it.blacklisted,
		})
	}
	return out
}

// Blacklist returns the blacklisted datapoints sorted by name.
func (c *Controller) Blacklist() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, name := range sortedNames(c.items) {
		if c.items[name].blacklisted {
			out = append(out, name)
		}
	}
	return out
}

// ResetBlacklist clears the blacklist and every item's error count.
func (c *Controller) ResetBlacklist() {
	c.mu.Lock()
	for _, it := range c.items {
		it.errors = 0
		it.blacklisted = false
	}
	c.mu.Unlock()
	c.logger.Info("blacklist reset")
	c.record(&store.Entry{Kind: store.KindBlacklistReset})
	c.events.Emit(Event{Type: EventBlacklist, Data: BlacklistChange{}})
}

// counted reports whether err counts towards blacklisting. Line failures
// are recovered by reopening the session and value errors are local.
func counted(err error) bool {
	switch optolink.KindOf(err) {
	case optolink.KindProtocol, optolink.KindUnknownAddress, optolink.KindFraming:
		return true
	}
	return false
}

// fail records a failed read of it.
func (c *Controller) fail(it *Item, err error) {
	c.logger.Warn("read failed", "datapoint", it.Name(), "err", err)
	if !counted(err) {
		return
	}
	c.mu.Lock()
	it.errors++
	listed := it.errors >= blacklistThreshold && !it.blacklisted
	if listed {
		it.blacklisted = true
	}
	c.mu.Unlock()
	if !listed {
		return
	}
	c.logger.Warn("datapoint blacklisted", "datapoint", it.Name(), "errors", blacklistThreshold)
	c.record(&store.Entry{Kind: store.KindBlacklist, Datapoint: it.Name(), Error: err.Error()})
	c.events.Emit(Event{Type: EventBlacklist, Data: BlacklistChange{Datapoint: it.Name(), Blacklisted: true}})
}
