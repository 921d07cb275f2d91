// Package waf manages the naxsi ruleset included by every protected
// location: the learning-mode switch and the optimizer-generated whitelist.
package waf

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/metrics"
	"github.com/vidamais/edgeguard/internal/repository"
)

// LearningModeSentinel switches naxsi to log-only when present in the ruleset.
const LearningModeSentinel = "LearningMode;"

// Reloader makes the proxy pick up ruleset changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	RulesetPath   string
	WhitelistPath string
	Optimizer     RuleOptimizer
	Proxy         Reloader
	Events        events.Publisher
	Logger        *slog.Logger
}

// Manager edits the ruleset and whitelist files. Each file is rewritten
// atomically under the manager lock.
type Manager struct {
	mu            sync.Mutex
	rulesetPath   string
	whitelistPath string
	optimizer     RuleOptimizer
	proxy         Reloader
	events        events.Publisher
	logger        *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Manager{
		rulesetPath:   cfg.RulesetPath,
		whitelistPath: cfg.WhitelistPath,
		optimizer:     cfg.Optimizer,
		proxy:         cfg.Proxy,
		events:        cfg.Events,
		logger:        cfg.Logger,
	}
}

// ActivateLearningMode puts the sentinel on the first line of the ruleset
// and reloads. It is a conflict if learning mode is already on.
func (m *Manager) ActivateLearningMode(ctx context.Context) error {
	m.mu.Lock()
	lines, err := readLines(m.rulesetPath)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if hasSentinel(lines) {
		m.mu.Unlock()
		metrics.RecordWafOperation("learning_on", false)
		return apperr.Conflict("learning mode is already active")
	}
	lines = append([]string{LearningModeSentinel}, lines...)
	err = writeLines(m.rulesetPath, lines)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Warn("WAF learning mode activated", "ruleset", m.rulesetPath)
	return m.reload(ctx, "learning_on",
		events.Critical(events.EventTypeWafLearningOn, m.rulesetPath, "WAF learning mode on, requests are logged but not blocked"))
}

// DeactivateLearningMode removes the sentinel if present and reloads in
// either case.
func (m *Manager) DeactivateLearningMode(ctx context.Context) error {
	m.mu.Lock()
	lines, err := readLines(m.rulesetPath)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if hasSentinel(lines) {
		kept := lines[:0]
		for _, l := range lines {
			if strings.TrimSpace(l) != LearningModeSentinel {
				kept = append(kept, l)
			}
		}
		err = writeLines(m.rulesetPath, kept)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("WAF learning mode deactivated", "ruleset", m.rulesetPath)
	return m.reload(ctx, "learning_off",
		events.Warning(events.EventTypeWafLearningOff, m.rulesetPath, "WAF learning mode off, blocking enabled"))
}

// GenerateOptimizedRules runs the optimizer and returns the candidate
// whitelist without saving it.
func (m *Manager) GenerateOptimizedRules(ctx context.Context) ([]string, error) {
	rules, err := m.optimizer.Optimize(ctx)
	if err != nil {
		metrics.RecordWafOperation("generate", false)
		m.logger.Error("WAF optimizer failed", "error", err, "output", apperr.Output(err))
		return nil, err
	}
	metrics.RecordWafOperation("generate", true)
	return rules, nil
}

// SaveOptimizedRules generates the whitelist, replaces the active one and
// reloads. It returns the saved rules.
func (m *Manager) SaveOptimizedRules(ctx context.Context) ([]string, error) {
	rules, err := m.GenerateOptimizedRules(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	err = writeLines(m.whitelistPath, rules)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("WAF whitelist saved", "path", m.whitelistPath, "rules", len(rules))
	ev := events.New(events.EventTypeWafRulesSaved, m.whitelistPath, "WAF whitelist regenerated")
	return rules, m.reload(ctx, "save", ev)
}

// Whitelist returns the active whitelist. A missing file is an empty list.
func (m *Manager) Whitelist(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readLines(m.whitelistPath)
}

// Ruleset returns the ruleset lines.
func (m *Manager) Ruleset(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readLines(m.rulesetPath)
}

// LearningMode reports whether the sentinel is present.
func (m *Manager) LearningMode(ctx context.Context) (bool, error) {
	lines, err := m.Ruleset(ctx)
	if err != nil {
		return false, err
	}
	return hasSentinel(lines), nil
}

func (m *Manager) reload(ctx context.Context, op string, ev events.Event) error {
	err := m.proxy.Reload(ctx)
	metrics.RecordWafOperation(op, err == nil)
	if err != nil {
		ev = ev.With("enforcement", "pending")
	}
	m.events.Publish(ctx, ev)
	if err != nil {
		return &apperr.ReloadError{Operation: "waf " + op, Err: unwrapReload(err)}
	}
	return nil
}

// unwrapReload avoids nesting one ReloadError inside another.
func unwrapReload(err error) error {
	var re *apperr.ReloadError
	if errors.As(err, &re) {
		return re.Err
	}
	return err
}

func hasSentinel(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) == LearningModeSentinel {
			return true
		}
	}
	return false
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperr.InternalIO("read "+path, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := repository.WriteFileAtomic(path, []byte(b.String()), 0644); err != nil {
		return apperr.InternalIO("write "+path, err)
	}
	return nil
}
