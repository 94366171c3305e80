package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/labctl/pkg/engine"
)

// LabParser parses lab catalog files written in YAML, JSON or CUE.
//
// A file holds either a single lab, a list of labs, or a "labs" field that is
// a list or a map keyed by lab_id. Every entry is unified with the #Lab CUE
// schema and then checked with the struct tags of engine.LabConfiguration.
type LabParser struct {
	registry  *SchemaRegistry
	validator *validator.Validate
}

// NewLabParser creates a parser with the built-in lab schema.
func NewLabParser() *LabParser {
	return &LabParser{
		registry:  NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// IsCatalogFile reports whether path has an extension the parser reads.
func IsCatalogFile(path string) bool {
	return formatOf(path) != ""
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".cue":
		return "cue"
	}
	return ""
}

// Parse parses files and directories. Directories are read one level deep.
// Parse only fails when a source cannot be listed; problems inside files are
// reported in ParsedLabs.Errors.
func (lp *LabParser) Parse(sources ...string) (*ParsedLabs, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		entries, err := os.ReadDir(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", source, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !IsCatalogFile(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(source, entry.Name()))
		}
	}
	sort.Strings(files)

	parsed := &ParsedLabs{SourceFiles: files, ParsedAt: time.Now()}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				File:     file,
				Message:  fmt.Sprintf("failed to read file: %v", err),
				Severity: "error",
			})
			continue
		}
		labs, errs := lp.parseBytes(file, data)
		parsed.Labs = append(parsed.Labs, labs...)
		parsed.Errors = append(parsed.Errors, errs...)
	}
	parsed.Errors = append(parsed.Errors, duplicateLabs(parsed.Labs)...)

	return parsed, nil
}

// ParseBytes parses one document. name selects the format by extension.
func (lp *LabParser) ParseBytes(name string, data []byte) *ParsedLabs {
	labs, errs := lp.parseBytes(name, data)
	errs = append(errs, duplicateLabs(labs)...)
	return &ParsedLabs{
		SourceFiles: []string{name},
		Labs:        labs,
		Errors:      errs,
		ParsedAt:    time.Now(),
	}
}

func (lp *LabParser) parseBytes(name string, data []byte) ([]engine.LabConfiguration, []ValidationError) {
	lp.registry.mu.Lock()
	defer lp.registry.mu.Unlock()

	fileError := func(msg string) []ValidationError {
		return []ValidationError{{File: name, Message: msg, Severity: "error"}}
	}

	var val cue.Value
	switch formatOf(name) {
	case "cue":
		val = lp.registry.ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return nil, convertCUEErrors(name, "", err)
		}
	case "yaml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fileError(fmt.Sprintf("invalid YAML: %v", err))
		}
		if doc == nil {
			return nil, nil
		}
		val = lp.registry.ctx.Encode(doc)
	case "json":
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fileError(fmt.Sprintf("invalid JSON: %v", err))
		}
		val = lp.registry.ctx.Encode(doc)
	default:
		return nil, fileError("unsupported file type")
	}
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(name, "", err)
	}

	return lp.extractLabs(name, val)
}

// extractLabs walks the supported document shapes.
func (lp *LabParser) extractLabs(file string, val cue.Value) ([]engine.LabConfiguration, []ValidationError) {
	var labs []engine.LabConfiguration
	var errs []ValidationError

	add := func(path, key string, entry cue.Value) {
		lab, entryErrs := lp.extractLab(file, path, key, entry)
		if len(entryErrs) > 0 {
			errs = append(errs, entryErrs...)
			return
		}
		labs = append(labs, lab)
	}
	addList := func(prefix string, list cue.Value) {
		iter, err := list.List()
		if err != nil {
			errs = append(errs, convertCUEErrors(file, prefix, err)...)
			return
		}
		for idx := 0; iter.Next(); idx++ {
			add(fmt.Sprintf("%s[%d]", prefix, idx), "", iter.Value())
		}
	}

	if val.IncompleteKind() == cue.ListKind {
		addList("", val)
		return labs, errs
	}

	labsVal := val.LookupPath(cue.ParsePath("labs"))
	switch {
	case labsVal.Exists() && labsVal.IncompleteKind() == cue.ListKind:
		addList("labs", labsVal)
	case labsVal.Exists() && labsVal.IncompleteKind() == cue.StructKind:
		iter, err := labsVal.Fields()
		if err != nil {
			errs = append(errs, convertCUEErrors(file, "labs", err)...)
			break
		}
		for iter.Next() {
			sel := iter.Selector()
			key := sel.String()
			if sel.IsString() {
				key = sel.Unquoted()
			}
			add("labs."+key, key, iter.Value())
		}
	case labsVal.Exists():
		errs = append(errs, ValidationError{File: file, Path: "labs", Message: "labs must be a list or a map", Severity: "error"})
	case val.LookupPath(cue.ParsePath("lab_id")).Exists():
		add("", "", val)
	default:
		errs = append(errs, ValidationError{File: file, Message: "no labs found", Severity: "error"})
	}

	return labs, errs
}

// extractLab unifies one entry with #Lab and decodes it. key fills lab_id
// when the entry comes from a map and does not set one.
func (lp *LabParser) extractLab(file, path, key string, entry cue.Value) (engine.LabConfiguration, []ValidationError) {
	var lab engine.LabConfiguration

	if key != "" && !entry.LookupPath(cue.ParsePath("lab_id")).Exists() {
		entry = entry.FillPath(cue.ParsePath("lab_id"), key)
	}

	unified, err := lp.registry.unify("lab", entry)
	if err != nil {
		return lab, convertCUEErrors(file, path, err)
	}
	if err := unified.Decode(&lab); err != nil {
		return lab, []ValidationError{{File: file, Path: path, Message: fmt.Sprintf("failed to decode lab: %v", err), Severity: "error"}}
	}
	if err := lp.validator.Struct(lab); err != nil {
		return lab, []ValidationError{{File: file, Path: path, Message: fmt.Sprintf("validation failed: %v", err), Severity: "error"}}
	}
	return lab, nil
}

func duplicateLabs(labs []engine.LabConfiguration) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]struct{}, len(labs))
	for _, lab := range labs {
		if _, ok := seen[lab.LabID]; ok {
			errs = append(errs, ValidationError{
				Path:     lab.LabID,
				Message:  fmt.Sprintf("duplicate lab_id %s", lab.LabID),
				Severity: "error",
			})
			continue
		}
		seen[lab.LabID] = struct{}{}
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors. Positions are kept
// only when they point into file; YAML and JSON inputs have none.
func convertCUEErrors(file, path string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Path:     path,
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		}
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == file {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		out = append(out, ve)
	}
	return out
}
