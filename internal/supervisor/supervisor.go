// Package supervisor starts and stops a stack of executors in dependency
// order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/execd/internal/progress"
)

// Unit is one managed executor; *controller.Controller implements it.
type Unit interface {
	Name() string
	Run(ctx context.Context, sink progress.Sink) error
	GracefullyStop(ctx context.Context, sink progress.Sink) error
	ForciblyStop(ctx context.Context, sink progress.Sink) error
}

// Member places a unit in the stack.
type Member struct {
	Unit      Unit
	DependsOn []string
}

// Graph is a simple dependency graph.
type Graph struct {
	Nodes map[string]Member
	Edges map[string][]string // from -> to (dependency -> dependent)
	InDeg map[string]int
}

// BuildGraph creates a DAG from the members' dependencies. Unknown and
// duplicate names are errors.
func BuildGraph(members []Member) (*Graph, error) {
	g := &Graph{Nodes: map[string]Member{}, Edges: map[string][]string{}, InDeg: map[string]int{}}
	for _, m := range members {
		name := m.Unit.Name()
		if _, dup := g.Nodes[name]; dup {
			return nil, fmt.Errorf("duplicate executor %q", name)
		}
		g.Nodes[name] = m
		g.InDeg[name] = 0
	}
	for _, m := range members {
		for _, dep := range m.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, fmt.Errorf("%s depends on unknown executor %q", m.Unit.Name(), dep)
			}
			g.Edges[dep] = append(g.Edges[dep], m.Unit.Name())
			g.InDeg[m.Unit.Name()]++
		}
	}
	return g, nil
}

// TopoLayers returns ordered layers where each layer can start in parallel.
// Names within a layer are sorted.
func (g *Graph) TopoLayers() ([][]string, error) {
	in := make(map[string]int, len(g.InDeg))
	for k, v := range g.InDeg {
		in[k] = v
	}
	var q []string
	for n, d := range in {
		if d == 0 {
			q = append(q, n)
		}
	}
	var layers [][]string
	visited := 0
	for len(q) > 0 {
		layer := append([]string{}, q...)
		slices.Sort(layer)
		layers = append(layers, layer)
		q = q[:0]
		for _, u := range layer {
			visited++
			for _, v := range g.Edges[u] {
				in[v]--
				if in[v] == 0 {
					q = append(q, v)
				}
			}
		}
	}
	if visited != len(g.Nodes) {
		return nil, errors.New("cycle detected in executor graph")
	}
	return layers, nil
}

// Stack runs members layer by layer.
type Stack struct {
	graph        *Graph
	layers       [][]string
	grace        time.Duration
	startTimeout time.Duration
	logger       zerolog.Logger
}

type Option func(*Stack)

// WithGracePeriod bounds graceful stops before they escalate to a kill.
func WithGracePeriod(d time.Duration) Option { return func(s *Stack) { s.grace = d } }

// WithStartTimeout bounds each member's Run; zero means no bound.
func WithStartTimeout(d time.Duration) Option { return func(s *Stack) { s.startTimeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(s *Stack) { s.logger = l } }

func NewStack(members []Member, opts ...Option) (*Stack, error) {
	g, err := BuildGraph(members)
	if err != nil {
		return nil, err
	}
	layers, err := g.TopoLayers()
	if err != nil {
		return nil, err
	}
	s := &Stack{graph: g, layers: layers, grace: 10 * time.Second, logger: log.Logger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Stack) Layers() [][]string { return s.layers }

// Unit returns the member named name.
func (s *Stack) Unit(name string) (Unit, bool) {
	m, ok := s.graph.Nodes[name]
	return m.Unit, ok
}

// Dependents returns every member that transitively depends on name, in
// start order.
func (s *Stack) Dependents(name string) []string {
	visited := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range s.graph.Edges[u] {
			if !visited[v] {
				visited[v] = true
				queue = append(queue, v)
			}
		}
	}
	var out []string
	for _, layer := range s.layers {
		for _, n := range layer {
			if visited[n] {
				out = append(out, n)
			}
		}
	}
	return out
}

// Restart stops the dependents of name in reverse start order, restarts
// name, then runs the dependents again. A dependent that fails to start is
// logged and skipped; the returned slice lists the dependents involved.
func (s *Stack) Restart(ctx context.Context, name string, sink progress.Sink) ([]string, error) {
	target, ok := s.Unit(name)
	if !ok {
		return nil, fmt.Errorf("unknown executor %q", name)
	}
	deps := s.Dependents(name)
	s.logger.Info().Str("executor", name).Strs("dependents", deps).Msg("restart: stopping dependents")
	for i := len(deps) - 1; i >= 0; i-- {
		u := s.graph.Nodes[deps[i]].Unit
		if err := StopUnit(ctx, u, s.grace, s.logger); err != nil {
			return deps, fmt.Errorf("%s: %w", u.Name(), err)
		}
	}
	if err := StopUnit(ctx, target, s.grace, s.logger); err != nil {
		return deps, fmt.Errorf("%s: %w", name, err)
	}
	if err := target.Run(ctx, sink); err != nil {
		return deps, fmt.Errorf("%s: %w", name, err)
	}
	for _, dn := range deps {
		if err := s.graph.Nodes[dn].Unit.Run(ctx, nil); err != nil {
			s.logger.Warn().Err(err).Str("dependent", dn).Msg("dependent failed to start")
		}
	}
	return deps, nil
}

// Start runs every member respecting the DAG. When a layer fails, the
// members started so far are stopped in reverse order and the first error
// is returned. Progress has one leaf per layer.
func (s *Stack) Start(ctx context.Context, sink progress.Sink) error {
	tasks := make([]progress.Task, len(s.layers))
	for i := range s.layers {
		tasks[i] = progress.Leaf(fmt.Sprintf("Starting layer %d", i))
	}
	tree := progress.NewIfSubscribed(sink, tasks...)

	var (
		mu      sync.Mutex
		started []string
	)
	for i, layer := range s.layers {
		s.logger.Info().Int("layer", i).Strs("executors", layer).Msg("starting layer")
		var wg sync.WaitGroup
		errCh := make(chan error, len(layer))
		done := 0
		for _, name := range layer {
			u := s.graph.Nodes[name].Unit
			wg.Add(1)
			go func() {
				defer wg.Done()
				runCtx, cancel := ctx, context.CancelFunc(func() {})
				if s.startTimeout > 0 {
					runCtx, cancel = context.WithTimeout(ctx, s.startTimeout)
				}
				defer cancel()
				if err := u.Run(runCtx, nil); err != nil {
					errCh <- fmt.Errorf("%s: %w", u.Name(), err)
					return
				}
				mu.Lock()
				started = append(started, u.Name())
				done++
				tree.Report(float64(done) / float64(len(layer)))
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errCh)
		if first := <-errCh; first != nil {
			s.logger.Error().Int("layer", i).Err(first).Msg("layer failed, rolling back")
			s.rollback(started)
			return first
		}
		tree.NextTask()
	}
	s.logger.Info().Msg("all executors running")
	return nil
}

func (s *Stack) rollback(started []string) {
	for j := len(started) - 1; j >= 0; j-- {
		u := s.graph.Nodes[started[j]].Unit
		if err := StopUnit(context.Background(), u, s.grace, s.logger); err != nil {
			s.logger.Warn().Err(err).Str("executor", u.Name()).Msg("rollback stop failed")
		}
	}
}

// Stop stops the members in reverse layer order, each with the grace
// period, and returns the joined errors.
func (s *Stack) Stop(ctx context.Context) error {
	var errs []error
	for i := len(s.layers) - 1; i >= 0; i-- {
		layer := s.layers[i]
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, name := range layer {
			u := s.graph.Nodes[name].Unit
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := StopUnit(ctx, u, s.grace, s.logger); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", u.Name(), err))
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
	return errors.Join(errs...)
}

// StopUnit stops u gracefully, escalating to a forced stop when the grace
// period runs out first.
func StopUnit(ctx context.Context, u Unit, grace time.Duration, logger zerolog.Logger) error {
	gctx, cancel := context.WithTimeout(ctx, grace)
	err := u.GracefullyStop(gctx, nil)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	logger.Warn().Str("executor", u.Name()).Dur("grace", grace).Msg("graceful stop timed out, killing")
	return u.ForciblyStop(ctx, nil)
}
