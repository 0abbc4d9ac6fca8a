// Package progress aggregates the progress of long-running operations
// described as a tree of named tasks into a single stream of events.
package progress

import (
	"sync"
)

// Event is what a subscriber sees. Fraction is always the aggregate of the
// whole tree; Indeterminate marks a step of unknown duration.
type Event struct {
	Label         string
	Fraction      float64
	Indeterminate bool
}

// Sink receives progress events. A nil Sink discards them.
type Sink func(Event)

// Emit sends ev to s if s is not nil.
func (s Sink) Emit(ev Event) {
	if s != nil {
		s(ev)
	}
}

// Task declares one node of a progress tree. A task without children is a
// leaf.
type Task struct {
	Name     string
	Children []Task
}

// Leaf declares a task that reports its own progress.
func Leaf(name string) Task { return Task{Name: name} }

// Group declares a composite task whose progress is the mean of its children.
func Group(name string, children ...Task) Task {
	return Task{Name: name, Children: children}
}

type node struct {
	name     string
	label    string
	parent   *node
	children []*node
	active   int
	done     bool
	fraction float64
}

func build(t Task, parent *node) *node {
	n := &node{name: t.Name, parent: parent}
	for _, c := range t.Children {
		n.children = append(n.children, build(c, n))
	}
	return n
}

func (n *node) leaf() bool { return len(n.children) == 0 }

func (n *node) value() float64 {
	if n.done {
		return 1
	}
	if n.leaf() {
		return n.fraction
	}
	var sum float64
	for _, c := range n.children {
		sum += c.value()
	}
	return sum / float64(len(n.children))
}

// Tree tracks a cursor over the leaves of a task tree. Every mutation
// re-computes the root aggregate and forwards one Event to the sink.
//
// The zero value is not usable; a nil *Tree is, and discards everything,
// which lets callers thread an optional tree without nil checks.
type Tree struct {
	mu   sync.Mutex
	root *node
	sink Sink
	last float64
}

// New builds a tree whose root is an unnamed composite of tasks.
func New(sink Sink, tasks ...Task) *Tree {
	return &Tree{root: build(Group("", tasks...), nil), sink: sink}
}

// NewIfSubscribed returns nil when sink is nil, avoiding the bookkeeping
// for callers nobody listens to.
func NewIfSubscribed(sink Sink, tasks ...Task) *Tree {
	if sink == nil {
		return nil
	}
	return New(sink, tasks...)
}

// activeLeaf walks the cursor down to the current leaf. Returns nil once
// the whole tree is complete.
func (t *Tree) activeLeaf() *node {
	n := t.root
	if n.done {
		return nil
	}
	for !n.leaf() {
		if n.active >= len(n.children) {
			return nil
		}
		n = n.children[n.active]
	}
	return n
}

// ActiveLeaf returns the name of the current leaf, or "" when finished.
func (t *Tree) ActiveLeaf() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.activeLeaf(); n != nil {
		return n.name
	}
	return ""
}

// Fraction returns the aggregate progress of the whole tree.
func (t *Tree) Fraction() float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregate()
}

func (t *Tree) aggregate() float64 {
	v := t.root.value()
	// guards against float rounding in the mean making the sequence dip
	if v < t.last {
		v = t.last
	}
	t.last = v
	return v
}

// NextTask completes the active leaf and moves the cursor to the next one.
func (t *Tree) NextTask() { t.Advance(1) }

// Advance completes n leaves in order. Finishing the last child of a
// composite completes the composite and advances its parent.
func (t *Tree) Advance(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	for i := 0; i < n; i++ {
		if !t.step() {
			break
		}
	}
	ev := Event{Label: t.labelLocked(), Fraction: t.aggregate()}
	t.mu.Unlock()
	t.sink.Emit(ev)
}

func (t *Tree) step() bool {
	leaf := t.activeLeaf()
	if leaf == nil {
		return false
	}
	leaf.done = true
	leaf.fraction = 1
	for p := leaf.parent; p != nil; p = p.parent {
		p.active++
		if p.active < len(p.children) {
			return true
		}
		p.done = true
	}
	return true
}

func (t *Tree) labelLocked() string {
	if n := t.activeLeaf(); n != nil {
		if n.label != "" {
			return n.label
		}
		return n.name
	}
	return ""
}

// SetLabel renames the active leaf for display without changing its
// identity.
func (t *Tree) SetLabel(label string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if n := t.activeLeaf(); n != nil {
		n.label = label
	}
	t.mu.Unlock()
}

// Report sets the in-flight fraction of the active leaf. Values are clamped
// to [0,1] and never move a leaf backwards.
func (t *Tree) Report(fraction float64) { t.report("", fraction) }

func (t *Tree) report(label string, fraction float64) {
	if t == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	t.mu.Lock()
	if n := t.activeLeaf(); n != nil && fraction > n.fraction {
		n.fraction = fraction
	}
	if label == "" {
		label = t.labelLocked()
	}
	ev := Event{Label: label, Fraction: t.aggregate()}
	t.mu.Unlock()
	t.sink.Emit(ev)
}

// Indeterminate announces that the active leaf is running for an unknown
// duration. An empty label falls back to the leaf's label.
func (t *Tree) Indeterminate(label string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if label == "" {
		label = t.labelLocked()
	}
	ev := Event{Label: label, Fraction: t.aggregate(), Indeterminate: true}
	t.mu.Unlock()
	t.sink.Emit(ev)
}

// Sink returns a sink that folds a nested operation's events into the
// active leaf: fractions become the leaf's fraction, labels pass through.
func (t *Tree) Sink() Sink {
	if t == nil {
		return nil
	}
	return func(ev Event) {
		if ev.Indeterminate {
			t.Indeterminate(ev.Label)
			return
		}
		t.report(ev.Label, ev.Fraction)
	}
}
