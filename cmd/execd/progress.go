package main

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/carlosprados/execd/internal/progress"
)

// progressPrinter renders progress events as one line per label change or
// per 5% step.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	pct   int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, pct: -1}
}

func (p *progressPrinter) Sink() progress.Sink {
	return func(ev progress.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		pct := int(math.Floor(ev.Fraction * 100))
		if ev.Label == p.label && pct/5 == p.pct/5 {
			return
		}
		p.label, p.pct = ev.Label, pct
		if ev.Indeterminate {
			fmt.Fprintf(p.w, "[ ...] %s\n", ev.Label)
			return
		}
		fmt.Fprintf(p.w, "[%3d%%] %s\n", pct, ev.Label)
	}
}
