// Package registry implements the named symbol tables (variables,
// operators, formats, flood types) and the line-oriented configuration
// reader that populates them.
//
// Grounded on minicli's alias/Register table (minicli/minicli.go) for
// the name-to-handler registration pattern, generalized from a single
// command table into four independently-typed tables, each backed by
// internal/ptree the way minicli/trie.go backs command lookup.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/LStranger/foxeye-sub001/internal/corelog"
	"github.com/LStranger/foxeye-sub001/internal/ptree"
	"github.com/LStranger/foxeye-sub001/internal/scheduler"
)

// VarKind selects a variable's storage discipline.
type VarKind int

const (
	// Long is a writable integer.
	Long VarKind = iota
	// TriState is a writable True/False/Ask value, optionally gated by
	// a CanAsk permission bit.
	TriState
	// ReadOnlyString may be read but never set via the config reader.
	ReadOnlyString
	// WritableString is a writable string bounded by Capacity.
	WritableString
)

// TriValue is a TriState variable's value.
type TriValue int

const (
	False TriValue = iota
	True
	Ask
)

// Variable is one registered symbol in the variables table.
type Variable struct {
	Name     string
	Kind     VarKind
	Capacity int // WritableString only
	CanAsk   bool

	long   int64
	tri    TriValue
	str    string
}

// Get returns the variable's current value as a string, for display or
// S_REPORT.
func (v *Variable) Get() string {
	switch v.Kind {
	case Long:
		return strconv.FormatInt(v.long, 10)
	case TriState:
		switch v.tri {
		case True:
			return "TRUE"
		case Ask:
			return "ASK"
		default:
			return "FALSE"
		}
	default:
		return v.str
	}
}

// Set parses and applies a new value, honoring each kind's write
// discipline.
func (v *Variable) Set(value string) error {
	switch v.Kind {
	case Long:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("registry: %q is not an integer: %w", value, err)
		}
		v.long = n
	case TriState:
		switch strings.ToUpper(value) {
		case "TRUE", "ON", "YES":
			v.tri = True
		case "FALSE", "OFF", "NO":
			v.tri = False
		case "ASK":
			if !v.CanAsk {
				return fmt.Errorf("registry: variable %q may not be set to ASK", v.Name)
			}
			v.tri = Ask
		default:
			return fmt.Errorf("registry: %q is not TRUE/FALSE/ASK", value)
		}
	case ReadOnlyString:
		return fmt.Errorf("registry: variable %q is read-only", v.Name)
	case WritableString:
		if v.Capacity > 0 && len(value) > v.Capacity {
			value = value[:v.Capacity]
		}
		v.str = value
	}
	return nil
}

// SetReadOnlyString seeds a ReadOnlyString variable's value; the
// config reader cannot call this, only the code that registers it.
func (v *Variable) SetReadOnlyString(value string) { v.str = value }

// Operator is a named config-line handler.
type Operator func(args []string) error

// Format is a named, bounded template buffer editable via a formats
// file.
type Format struct {
	Name     string
	Buffer   string
	Capacity int
}

// FloodType is a named (limit, interval) pair consulted by CheckFlood.
type FloodType struct {
	Name     string
	Limit    int
	Interval time.Duration
}

// Registry holds all four symbol tables.
type Registry struct {
	variables *ptree.Tree
	operators *ptree.Tree
	formats   *ptree.Tree
	floods    *ptree.Tree
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		variables: ptree.New(ptree.DefaultFanout),
		operators: ptree.New(ptree.DefaultFanout),
		formats:   ptree.New(ptree.DefaultFanout),
		floods:    ptree.New(ptree.DefaultFanout),
	}
}

// RegisterVariable adds a variable. Re-registering the same name
// replaces the prior entry, matching the teacher's idempotent-Register
// convention.
func (r *Registry) RegisterVariable(name string, kind VarKind, capacity int, canAsk bool) *Variable {
	v := &Variable{Name: name, Kind: kind, Capacity: capacity, CanAsk: canAsk}
	if existing, ok := r.variables.Find(name); ok {
		r.variables.Delete(name, existing)
	}
	r.variables.Insert(name, v, true)
	return v
}

// Variable looks up a registered variable by name.
func (r *Registry) Variable(name string) (*Variable, bool) {
	v, ok := r.variables.Find(name)
	if !ok {
		return nil, false
	}
	return v.(*Variable), true
}

// RegisterOperator adds a named config-line handler.
func (r *Registry) RegisterOperator(name string, fn Operator) {
	if existing, ok := r.operators.Find(name); ok {
		r.operators.Delete(name, existing)
	}
	r.operators.Insert(name, fn, true)
}

// RegisterFormat adds a named format buffer.
func (r *Registry) RegisterFormat(name, initial string, capacity int) *Format {
	f := &Format{Name: name, Buffer: initial, Capacity: capacity}
	if existing, ok := r.formats.Find(name); ok {
		r.formats.Delete(name, existing)
	}
	r.formats.Insert(name, f, true)
	return f
}

// Format looks up a registered format by name.
func (r *Registry) Format(name string) (*Format, bool) {
	f, ok := r.formats.Find(name)
	if !ok {
		return nil, false
	}
	return f.(*Format), true
}

// RegisterFloodType adds a named flood limit/interval pair.
func (r *Registry) RegisterFloodType(name string, limit int, interval time.Duration) *FloodType {
	ft := &FloodType{Name: name, Limit: limit, Interval: interval}
	if existing, ok := r.floods.Find(name); ok {
		r.floods.Delete(name, existing)
	}
	r.floods.Insert(name, ft, true)
	return ft
}

// FloodType looks up a registered flood type by name.
func (r *Registry) FloodType(name string) (*FloodType, bool) {
	v, ok := r.floods.Find(name)
	if !ok {
		return nil, false
	}
	return v.(*FloodType), true
}

// CheckFlood is the single stateful flood-check path: it registers one
// hit against counter (a scheduler-owned decaying counter backing the
// named flood type) and reports the updated count. Reaching the flood
// type's limit both raises the flood and resets counter to zero in the
// same step, so the next call starts counting fresh — e.g. a {3, 10}
// flood type hit three times within a second returns 1, 2, 0, the third
// call raising.
func (r *Registry) CheckFlood(counter *scheduler.FloodCounter, floodType string) (count int, raised bool, err error) {
	v, ok := r.floods.Find(floodType)
	if !ok {
		return 0, false, fmt.Errorf("registry: unknown flood type %q", floodType)
	}
	ft := v.(*FloodType)

	counter.Mu.Lock()
	defer counter.Mu.Unlock()
	counter.Count++
	if int(counter.Count) >= ft.Limit {
		counter.Count = 0
		return 0, true, nil
	}
	return int(counter.Count), false, nil
}

// Report returns a one-line status string for S_REPORT / diagnostics
// consumers: the size of each of the four symbol tables.
func (r *Registry) Report() string {
	return fmt.Sprintf("%d variables, %d operators, %d formats, %d flood types",
		r.variables.Len(), r.operators.Len(), r.formats.Len(), r.floods.Len())
}

// ParseConfig reads one directive per line from r: shell-style `#`
// comments, blank lines skipped, first token looked up in the
// operators table and invoked with the remainder of the line.
func (reg *Registry) ParseConfig(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		opAny, ok := reg.operators.Find(fields[0])
		if !ok {
			return fmt.Errorf("registry: line %d: unknown operator %q", lineNo, fields[0])
		}
		if err := opAny.(Operator)(fields[1:]); err != nil {
			return fmt.Errorf("registry: line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

// ParseConfigFile opens and parses a config file.
func (reg *Registry) ParseConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()
	return reg.ParseConfig(f)
}

// GenerateConfig drives an interactive liner-backed console session
// that prompts for each variable in names that is registered and
// writable, and writes the resulting
// `set` directives to path+".new", atomically replacing path with it on
// completion.
func (reg *Registry) GenerateConfig(path string, names []string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	tmp := path + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("registry: create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)

	for _, name := range names {
		v, ok := reg.Variable(name)
		if !ok || v.Kind == ReadOnlyString {
			continue
		}
		prompt := fmt.Sprintf("%s [%s]: ", name, v.Get())
		input, err := line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				break
			}
			f.Close()
			return fmt.Errorf("registry: prompt for %s: %w", name, err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			input = v.Get()
		}
		if err := v.Set(input); err != nil {
			corelog.Warn("registry: rejected value for %s: %v", name, err)
			continue
		}
		line.AppendHistory(input)
		fmt.Fprintf(w, "set %s %s\n", name, input)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("registry: flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("registry: close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
