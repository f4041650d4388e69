// Package dispatch routes recognized text to local skills. Rules are checked
// in order and the first match handles the turn; while a local skill owns the
// turn the dialogue service's own spoken answer is suppressed.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler runs a local skill for the recognized text.
type Handler func(ctx context.Context, text string) error

// Rule pairs a predicate with a handler.
type Rule struct {
	Name   string
	Match  func(text string) bool
	Handle Handler
}

// Dispatcher holds an ordered rule list.
type Dispatcher struct {
	mu    sync.RWMutex
	rules []Rule

	suppress atomic.Bool
	handled  atomic.Uint64
	wg       sync.WaitGroup
	onResult func(rule string, err error)
	logger   *slog.Logger
}

// New creates a dispatcher with the given rules.
func New(logger *slog.Logger, rules ...Rule) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{rules: rules, logger: logger}
}

// Add appends a rule.
func (d *Dispatcher) Add(r Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, r)
}

// OnResult registers a hook called when a handler finishes.
func (d *Dispatcher) OnResult(fn func(rule string, err error)) {
	d.onResult = fn
}

// Dispatch finds the first rule matching text. On a match the downlink is
// suppressed until EndTurn and the handler runs on its own goroutine, so the
// caller's event loop is never blocked by a skill.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (string, bool) {
	text = strings.TrimSpace(text)
	rule, ok := d.find(text)
	if !ok {
		return "", false
	}

	d.suppress.Store(true)
	d.handled.Add(1)
	d.logger.Info("🛠️ local skill", "rule", rule.Name, "text", text)

	if rule.Handle != nil {
		name, handle := rule.Name, rule.Handle
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			err := handle(ctx, text)
			if err != nil {
				d.logger.Error("❌ local skill failed", "rule", name, "err", err)
			}
			if d.onResult != nil {
				d.onResult(name, err)
			}
		}()
	}
	return rule.Name, true
}

// Match reports which rule, if any, Dispatch would pick for text without
// running it.
func (d *Dispatcher) Match(text string) (string, bool) {
	rule, ok := d.find(strings.TrimSpace(text))
	return rule.Name, ok
}

func (d *Dispatcher) find(text string) (Rule, bool) {
	if text == "" {
		return Rule{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.rules {
		if r.Match != nil && r.Match(text) {
			return r, true
		}
	}
	return Rule{}, false
}

// SuppressDownlink reports whether a local skill owns the current turn.
func (d *Dispatcher) SuppressDownlink() bool {
	return d.suppress.Load()
}

// EndTurn clears the suppression at the end of a dialogue turn.
func (d *Dispatcher) EndTurn() {
	d.suppress.Store(false)
}

// Handled returns the number of turns handled locally.
func (d *Dispatcher) Handled() uint64 {
	return d.handled.Load()
}

// Wait blocks until running handlers have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// KeywordRule matches text containing any of the keywords as whole words or
// word sequences, ignoring case and punctuation.
func KeywordRule(name string, keywords []string, handle Handler) Rule {
	var phrases []string
	for _, k := range keywords {
		if p := normalize(k); p != "" {
			phrases = append(phrases, " "+p+" ")
		}
	}
	return Rule{
		Name: name,
		Match: func(text string) bool {
			padded := " " + normalize(text) + " "
			for _, p := range phrases {
				if strings.Contains(padded, p) {
					return true
				}
			}
			return false
		},
		Handle: handle,
	}
}

func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r > 127)
	})
	return strings.Join(fields, " ")
}
