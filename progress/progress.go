package progress

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pterm/pterm"
)

// Func receives the overall percentage, a status line and the current step.
type Func func(percent float64, status string, current, total int)

// State is the last reported progress.
type State struct {
	Percent float64
	Status  string
	Current int
	Total   int
}

// Tracker fans progress out to subscribers. Reported percentages never
// decrease and stay within [0, 100].
type Tracker struct {
	mu     sync.Mutex
	state  State
	funcs  []Func
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger, funcs ...Func) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Tracker{logger: logger}
	for _, fn := range funcs {
		t.Subscribe(fn)
	}
	return t
}

func (t *Tracker) Subscribe(fn Func) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.funcs = append(t.funcs, fn)
	t.mu.Unlock()
}

// Update records the new progress and notifies every subscriber. A
// subscriber that panics is logged and skipped.
func (t *Tracker) Update(percent float64, status string, current, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent = min(max(percent, 0), 100)
	if percent < t.state.Percent {
		percent = t.state.Percent
	}
	t.state = State{Percent: percent, Status: status, Current: current, Total: total}

	for i, fn := range t.funcs {
		t.notify(i, fn)
	}
}

func (t *Tracker) notify(i int, fn Func) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Warn("progress callback error", "callback", i, "err", fmt.Sprint(p))
		}
	}()
	s := t.state
	fn(s.Percent, s.Status, s.Current, s.Total)
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Bar renders tracker updates as a terminal progress bar.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
}

// NewBar starts a progress bar when enabled is true; a disabled bar
// ignores every update.
func NewBar(enabled bool, files int) *Bar {
	bar := &Bar{enabled: enabled}
	if !enabled {
		return bar
	}

	pterm.Info.Printf("Archives to process: %d\n", files)
	pterm.Println()

	pb, err := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle("Extracting").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update is a Func.
func (b *Bar) Update(percent float64, status string, current, total int) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if status != "" {
		if r := []rune(status); len(r) > 40 {
			status = string(r[:37]) + "..."
		}
		b.pb.UpdateTitle(status)
	}
	if n := int(percent); n > b.pb.Current {
		b.pb.Add(n - b.pb.Current)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Add(b.pb.Total - b.pb.Current)
	}
	b.pb.Stop()
	pterm.Success.Println("Processing complete!")
}
