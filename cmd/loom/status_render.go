package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"loom/internal/orchestrator"
	"loom/internal/preflight"
)

type health int

const (
	healthInfo health = iota
	healthOK
	healthWarn
	healthFail
)

var healthStyles = [...]struct {
	label string
	color string
}{
	healthInfo: {"INFO", "\x1b[34m"},
	healthOK:   {"OK", "\x1b[32m"},
	healthWarn: {"WARN", "\x1b[33m"},
	healthFail: {"FAIL", "\x1b[31m"},
}

const ansiReset = "\x1b[0m"

// statusReport collects the sections printed by `loom status`.
type statusReport struct {
	colorize   bool
	labelWidth int
	lines      []string
}

func newStatusReport(w io.Writer) *statusReport {
	return &statusReport{colorize: shouldColorize(w), labelWidth: 18}
}

func (r *statusReport) section(title string) {
	if len(r.lines) > 0 {
		r.lines = append(r.lines, "")
	}
	header := "== " + strings.TrimSpace(title) + " =="
	r.lines = append(r.lines, r.paint(healthInfo, header))
}

func (r *statusReport) add(label string, h health, detail string) {
	tag := "[" + healthStyles[h].label + "]"
	if detail != "" {
		tag += " " + detail
	}
	r.lines = append(r.lines, r.paint(h, fmt.Sprintf("  %-*s %s", r.labelWidth, label+":", tag)))
}

func (r *statusReport) failure(label string, err error) {
	r.add(label, healthFail, err.Error())
}

func (r *statusReport) paint(h health, s string) string {
	if !r.colorize {
		return s
	}
	return healthStyles[h].color + s + ansiReset
}

func (r *statusReport) String() string { return strings.Join(r.lines, "\n") }

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// preflightHealth grades a check. A held coordinator lock means a run is in
// progress, which is not a fault for status.
func preflightHealth(r preflight.Result) (health, string) {
	switch {
	case r.Passed:
		return healthOK, r.Detail
	case r.Name == preflight.CoordinatorLockCheck:
		return healthInfo, "held (run in progress)"
	case r.Optional:
		return healthWarn, r.Detail
	default:
		return healthFail, r.Detail
	}
}

func runHealth(state string) health {
	switch orchestrator.State(state) {
	case orchestrator.StateCompleted:
		return healthOK
	case orchestrator.StateError:
		return healthFail
	default:
		return healthInfo
	}
}

var titleCaser = cases.Title(language.English)

// displayLabel turns identifiers such as "in_progress" or "task-complete"
// into "In Progress" and "Task Complete".
func displayLabel(value string) string {
	value = strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(value))
	if value == "" {
		return "-"
	}
	return titleCaser.String(value)
}

// formatAge renders how long ago then was, to the largest two units.
func formatAge(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	d := max(now.Sub(then), 0).Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%02dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
