package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/labctl/pkg/engine"
)

// ValidationError describes one problem found in a lab catalog file.
type ValidationError struct {
	// File is the source file, when known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem in CUE sources.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the entry the problem belongs to (e.g. "labs[1]" or "labs.lab-a").
	Path string `json:"path,omitempty"`

	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var loc []string
	if e.File != "" {
		loc = append(loc, e.File)
	}
	if e.Line > 0 {
		loc = append(loc, fmt.Sprintf("%d:%d", e.Line, e.Column))
	}
	if e.Path != "" {
		loc = append(loc, e.Path)
	}
	if len(loc) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", strings.Join(loc, ":"), e.Message)
}

// ParsedLabs is the result of parsing lab catalog sources.
type ParsedLabs struct {
	SourceFiles []string                  `json:"source_files"`
	Labs        []engine.LabConfiguration `json:"labs"`
	Errors      []ValidationError         `json:"errors,omitempty"`
	ParsedAt    time.Time                 `json:"parsed_at"`
}

// Err returns a ConfigurationError summarizing Errors, or nil.
func (p *ParsedLabs) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		msgs = append(msgs, e.Error())
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("invalid lab catalog: %s", strings.Join(msgs, "; ")), nil,
	).WithDetail("errors", len(p.Errors))
}
