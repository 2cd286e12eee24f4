package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"cargomsfs/internal/catalog"
)

// ValidationResult captures a single validation finding.
type ValidationResult struct {
	Level   string `json:"level"` // "error" or "warning"
	Message string `json:"message"`
}

// Validate checks the configuration for values the tool cannot act on.
func (c Config) Validate() []ValidationResult {
	var results []ValidationResult
	results = append(results, c.validateSources()...)
	results = append(results, c.validateOptimizer()...)
	if c.LockWait < 0 {
		results = append(results, ValidationResult{Level: "error", Message: "lock_wait must not be negative"})
	}
	switch strings.ToLower(c.Trace.Exporter) {
	case "stdout", "noop", "":
	default:
		results = append(results, ValidationResult{
			Level:   "error",
			Message: fmt.Sprintf("unsupported trace exporter %q", c.Trace.Exporter),
		})
	}
	return results
}

// Err folds error-level findings into a single error.
func (c Config) Err() error {
	var msgs []string
	for _, r := range c.Validate() {
		if r.Level == "error" {
			msgs = append(msgs, r.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c Config) validateSources() []ValidationResult {
	var results []ValidationResult
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := c.Sources[name]
		if _, err := catalog.Parse(name); err != nil {
			results = append(results, ValidationResult{
				Level:   "error",
				Message: fmt.Sprintf("sources: unknown runtime version %q", name),
			})
			continue
		}
		if strings.TrimSpace(src.URL) == "" {
			continue
		}
		parsed, err := url.Parse(src.URL)
		if err != nil || parsed.Scheme == "" {
			results = append(results, ValidationResult{
				Level:   "error",
				Message: fmt.Sprintf("sources.%s: invalid url %q", name, src.URL),
			})
		}
		if sum := strings.TrimSpace(src.SHA256); sum == "" {
			results = append(results, ValidationResult{
				Level:   "warning",
				Message: fmt.Sprintf("sources.%s: no sha256 pinned; download integrity will not be verified", name),
			})
		} else if len(sum) != 64 {
			results = append(results, ValidationResult{
				Level:   "error",
				Message: fmt.Sprintf("sources.%s: sha256 must be 64 hex characters", name),
			})
		}
	}
	return results
}

func (c Config) validateOptimizer() []ValidationResult {
	switch c.Optimizer.Level {
	case "-O", "-O0", "-O1", "-O2", "-O3", "-O4", "-Os", "-Oz":
		return nil
	default:
		return []ValidationResult{{
			Level:   "error",
			Message: fmt.Sprintf("optimizer.level %q is not a wasm-opt optimization flag", c.Optimizer.Level),
		}}
	}
}
