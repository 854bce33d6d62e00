package datapoint

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models/*.yaml
var builtinModels embed.FS

const commonFile = "common.yaml"

// Model is the datapoint registry of one control unit type.
type Model struct {
	Name     string
	Protocol string

	datapoints map[string]*Descriptor
	byAddr     map[uint16]*Descriptor
	order      []string
	tables     map[string]*Table
}

type modelFile struct {
	Model      string                       `yaml:"model"`
	Protocol   string                       `yaml:"protocol"`
	Lookups    map[string]map[string]string `yaml:"lookups"`
	Datapoints []datapointSpec              `yaml:"datapoints"`
}

type datapointSpec struct {
	Name   string   `yaml:"name"`
	Addr   string   `yaml:"addr"`
	Len    int      `yaml:"len"`
	Unit   string   `yaml:"unit"`
	Read   *bool    `yaml:"read"`
	Write  bool     `yaml:"write"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
	Signed *bool    `yaml:"signed"`
	Scale  *float64 `yaml:"scale"`
	Lookup string   `yaml:"lookup"`
}

// Load reads the named model. Files in dir, when set, take precedence over
// the built-in tables.
func Load(name, dir string) (*Model, error) {
	common, err := readModelFile(commonFile, dir)
	if err != nil {
		return nil, err
	}
	data, err := readModelFile(name+".yaml", dir)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	return Parse(data, common)
}

// Common returns a model holding only the shared lookup tables, enough to
// identify a control unit before its model is known.
func Common(dir string) (*Model, error) {
	common, err := readModelFile(commonFile, dir)
	if err != nil {
		return nil, err
	}
	return Parse([]byte("model: common\n"), common)
}

// Available lists the model names known built-in and in dir.
func Available(dir string) []string {
	seen := map[string]bool{}
	add := func(names []string) {
		for _, n := range names {
			if n != commonFile && strings.HasSuffix(n, ".yaml") {
				seen[strings.TrimSuffix(n, ".yaml")] = true
			}
		}
	}
	if entries, err := fs.ReadDir(builtinModels, "models"); err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		add(names)
	}
	if dir != "" {
		if matches, err := filepath.Glob(filepath.Join(dir, "*.yaml")); err == nil {
			for i := range matches {
				matches[i] = filepath.Base(matches[i])
			}
			add(matches)
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func readModelFile(file, dir string) ([]byte, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return builtinModels.ReadFile("models/" + file)
}

// Parse builds a model from its YAML form. common supplies shared lookup
// tables and may be nil.
func Parse(data, common []byte) (*Model, error) {
	var mf modelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if mf.Model == "" {
		return nil, fmt.Errorf("parse model: missing model name")
	}
	lookups := map[string]map[string]string{}
	if common != nil {
		var cf modelFile
		if err := yaml.Unmarshal(common, &cf); err != nil {
			return nil, fmt.Errorf("parse common lookups: %w", err)
		}
		for k, v := range cf.Lookups {
			lookups[k] = v
		}
	}
	for k, v := range mf.Lookups {
		lookups[k] = v
	}

	m := &Model{
		Name:       mf.Model,
		Protocol:   mf.Protocol,
		datapoints: make(map[string]*Descriptor, len(mf.Datapoints)),
		byAddr:     make(map[uint16]*Descriptor, len(mf.Datapoints)),
		tables:     make(map[string]*Table, len(lookups)),
	}
	for name, entries := range lookups {
		t, err := NewTable(name, entries)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mf.Model, err)
		}
		m.tables[name] = t
	}
	for _, spec := range mf.Datapoints {
		d, err := spec.descriptor()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mf.Model, err)
		}
		if err := m.add(d); err != nil {
			return nil, fmt.Errorf("model %s: %w", mf.Model, err)
		}
	}
	return m, nil
}

// NewModel assembles a model from descriptors built in code.
func NewModel(name, protocol string, tables []*Table, descriptors ...*Descriptor) (*Model, error) {
	m := &Model{
		Name:       name,
		Protocol:   protocol,
		datapoints: make(map[string]*Descriptor, len(descriptors)),
		byAddr:     make(map[uint16]*Descriptor, len(descriptors)),
		tables:     make(map[string]*Table, len(tables)),
	}
	for _, t := range tables {
		m.tables[t.Name()] = t
	}
	for _, d := range descriptors {
		if err := m.add(d); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Model) add(d *Descriptor) error {
	if _, dup := m.datapoints[d.Name]; dup {
		return fmt.Errorf("duplicate datapoint %q", d.Name)
	}
	if d.Lookup != "" && d.Lookup != d.Unit.Kind.defaultTable() {
		if _, ok := m.tables[d.Lookup]; !ok {
			return fmt.Errorf("datapoint %s: unknown lookup table %q", d.Name, d.Lookup)
		}
	}
	m.datapoints[d.Name] = d
	if _, ok := m.byAddr[d.Address]; !ok {
		m.byAddr[d.Address] = d
	}
	m.order = append(m.order, d.Name)
	return nil
}

func (s datapointSpec) descriptor() (*Descriptor, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("datapoint without name")
	}
	addr, err := ParseAddress(s.Addr)
	if err != nil {
		return nil, fmt.Errorf("datapoint %s: %w", s.Name, err)
	}
	u, ok := LookupUnit(s.Unit)
	if !ok {
		return nil, fmt.Errorf("datapoint %s: unknown unit %q", s.Name, s.Unit)
	}
	if err := checkLength(u, s.Len); err != nil {
		return nil, fmt.Errorf("datapoint %s: %w", s.Name, err)
	}
	d := &Descriptor{
		Name:     s.Name,
		Address:  addr,
		Length:   s.Len,
		Unit:     u,
		Signed:   u.Signed,
		Scale:    u.Scale,
		Readable: true,
		Writable: s.Write,
		Lookup:   s.Lookup,
	}
	if s.Read != nil {
		d.Readable = *s.Read
	}
	if s.Signed != nil {
		d.Signed = *s.Signed
	}
	if s.Scale != nil {
		d.Scale = *s.Scale
	}
	if d.Lookup == "" {
		d.Lookup = u.Kind.defaultTable()
	}
	if s.Min != nil || s.Max != nil {
		b := &Bounds{Min: -1e18, Max: 1e18}
		if s.Min != nil {
			b.Min = *s.Min
		}
		if s.Max != nil {
			b.Max = *s.Max
		}
		d.Bounds = b
	}
	return d, nil
}

// Datapoint returns the descriptor with the given name.
func (m *Model) Datapoint(name string) (*Descriptor, bool) {
	d, ok := m.datapoints[name]
	return d, ok
}

// ByAddress returns the first descriptor declared for addr.
func (m *Model) ByAddress(addr uint16) (*Descriptor, bool) {
	d, ok := m.byAddr[addr]
	return d, ok
}

// Datapoints returns all descriptors in declaration order.
func (m *Model) Datapoints() []*Descriptor {
	out := make([]*Descriptor, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.datapoints[n])
	}
	return out
}

// Table returns a lookup table, or nil.
func (m *Model) Table(name string) *Table { return m.tables[name] }

// OperatingModes lists the operating mode tokens accepted on write.
func (m *Model) OperatingModes() []string {
	if t := m.tables["operatingmodes"]; t != nil {
		return t.Tokens()
	}
	return nil
}
