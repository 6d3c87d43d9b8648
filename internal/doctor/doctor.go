// Package doctor runs preflight checks on a modctl configuration: every
// worker executable must exist, be executable, and match its pinned
// checksum before the control server goes live.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/labstream/modctl/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the filesystem.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateListenAddrs(r)
	d.validateWorkers(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateListenAddrs(r *Result) {
	if _, _, err := net.SplitHostPort(d.cfg.Service.Listen); err != nil {
		d.addError(r, "service", "listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.Service.Listen, err))
	}
	if d.cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
			d.addError(r, "api", "listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		} else if d.cfg.API.Listen == d.cfg.Service.Listen {
			d.addError(r, "api", "listen", "observation API and control socket share one address")
		}
	}
}

func (d *Doctor) validateWorkers(r *Result) {
	names := make([]string, 0, len(d.cfg.Workers))
	for name := range d.cfg.Workers {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		d.addWarning(r, "workers", "", "no workers defined; only extension commands can start anything")
	}

	for _, name := range names {
		wc := d.cfg.Workers[name]
		field := "workers." + name

		info, err := os.Stat(wc.Exec)
		if err != nil {
			d.addError(r, "workers", field+".exec", fmt.Sprintf("executable not found: %s", wc.Exec))
			continue
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			d.addError(r, "workers", field+".exec", fmt.Sprintf("not an executable file: %s", wc.Exec))
			continue
		}

		if wc.Dir != "" {
			if stat, err := os.Stat(wc.Dir); err != nil || !stat.IsDir() {
				d.addError(r, "workers", field+".dir", fmt.Sprintf("working directory not found: %s", wc.Dir))
			}
		}

		if wc.Checksum != "" {
			if err := config.VerifyChecksum(wc.Exec, wc.Checksum); err != nil {
				d.addError(r, "workers", field+".checksum", err.Error())
			}
		}

		if wc.ReadyAddr != "" {
			if _, _, err := net.SplitHostPort(wc.ReadyAddr); err != nil {
				d.addError(r, "workers", field+".ready_addr", fmt.Sprintf("invalid address %q: %v", wc.ReadyAddr, err))
			}
		} else {
			d.addWarning(r, "workers", field, "no ready_addr: the worker is considered running as soon as it spawns")
		}
	}
}

// FormatHuman renders a result for terminal output.
func FormatHuman(r *Result) string {
	var b strings.Builder
	for _, issue := range r.Errors {
		fmt.Fprintf(&b, "ERROR [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	for _, issue := range r.Warnings {
		fmt.Fprintf(&b, "WARN  [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	if r.Valid {
		b.WriteString("Configuration check PASSED\n")
	} else {
		b.WriteString("Configuration check FAILED\n")
	}
	return b.String()
}

// FormatJSON renders a result as JSON.
func FormatJSON(r *Result) (string, error) {
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
