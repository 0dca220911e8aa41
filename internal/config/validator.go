package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateExecutionMode accepts auto and manual.
func (v *Validator) ValidateExecutionMode(mode string) error {
	switch mode {
	case "", "auto", "manual":
		return nil
	default:
		return fmt.Errorf("invalid execution mode %q (must be: auto, manual)", mode)
	}
}

// ValidateProviderID rejects ids that would make composite tool names ambiguous.
func (v *Validator) ValidateProviderID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if strings.Contains(id, "__") || strings.ContainsAny(id, ".: ") {
		return fmt.Errorf("id %q must not contain '__', '.', ':' or spaces", id)
	}
	if strings.HasSuffix(id, "_") {
		return fmt.Errorf("id %q must not end with '_'", id)
	}
	return nil
}

// ValidateTransport checks that the transport has what it needs to connect.
func (v *Validator) ValidateTransport(p ProviderConfig) error {
	switch p.Transport {
	case "stdio":
		if p.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
	case "http":
		if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
			return fmt.Errorf("http transport requires an http(s) url")
		}
	default:
		return fmt.Errorf("invalid transport %q (must be: stdio, http)", p.Transport)
	}
	return nil
}

// ValidateSchedule parses a cron spec or @every descriptor.
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}
