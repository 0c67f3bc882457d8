package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed farm.yaml
var farmSchema string

var (
	// ErrUnknownTable is returned when a table is not declared in the registry.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnknownColumn is returned when a field set names an undeclared column.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrInvalidField is returned when a field value does not match its column.
	ErrInvalidField = errors.New("invalid field value")

	// ErrInvalidSchema is returned by Validate for malformed registries.
	ErrInvalidSchema = errors.New("invalid schema")
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeJSON    ColumnType = "json"
)

// reservedColumns collide with record metadata in the flattened wire format.
var reservedColumns = map[string]bool{
	"id":         true,
	"createdAt":  true,
	"updatedAt":  true,
	"deletedAt":  true,
	"syncStatus": true,
	"_status":    true,
	"_changed":   true,
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Column declares one column of a table.
type Column struct {
	Name     string     `yaml:"name" validate:"required"`
	Type     ColumnType `yaml:"type" validate:"required,oneof=string number boolean date json"`
	Nullable bool       `yaml:"nullable"`
}

// Table is an ordered set of columns.
type Table struct {
	Name    string   `yaml:"name" validate:"required"`
	Columns []Column `yaml:"columns" validate:"required,min=1,dive"`

	index map[string]int
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

// ColumnNames returns the column names in declared order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Registry maps table names to their declarations.
type Registry struct {
	Tables []*Table `yaml:"tables" validate:"required,min=1,dive"`

	byName map[string]*Table
}

// New builds a registry from table declarations.
// The registry is not validated; call Validate before handing it to a store.
func New(tables ...*Table) *Registry {
	r := &Registry{Tables: tables}
	r.buildIndex()
	return r
}

// Default returns the embedded farm registry.
func Default() *Registry {
	r, err := Load(strings.NewReader(farmSchema))
	if err != nil {
		panic(fmt.Sprintf("schema: embedded farm schema is invalid: %v", err))
	}
	return r
}

// Load parses a YAML registry document.
func Load(r io.Reader) (*Registry, error) {
	var reg Registry
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&reg); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	reg.buildIndex()
	return &reg, nil
}

// LoadFile parses a YAML registry file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schema file: %w", err)
	}
	defer f.Close()

	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

func (r *Registry) buildIndex() {
	r.byName = make(map[string]*Table, len(r.Tables))
	for _, t := range r.Tables {
		if t == nil {
			continue
		}
		t.index = make(map[string]int, len(t.Columns))
		for i, c := range t.Columns {
			if _, dup := t.index[c.Name]; !dup {
				t.index[c.Name] = i
			}
		}
		if _, dup := r.byName[t.Name]; !dup {
			r.byName[t.Name] = t
		}
	}
}

// Validate checks the registry for structural errors.
//
// Problems are collected and reported together so a broken schema file can be
// fixed in one pass.
func (r *Registry) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSchema, formatValidation(err))
	}

	var problems []string
	seenTables := make(map[string]bool, len(r.Tables))
	for _, t := range r.Tables {
		if !identPattern.MatchString(t.Name) {
			problems = append(problems, fmt.Sprintf("table %q: name must be an identifier", t.Name))
		}
		if seenTables[t.Name] {
			problems = append(problems, fmt.Sprintf("table %q: declared twice", t.Name))
		}
		seenTables[t.Name] = true

		seenCols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			switch {
			case !identPattern.MatchString(c.Name):
				problems = append(problems, fmt.Sprintf("%s.%s: name must be an identifier", t.Name, c.Name))
			case reservedColumns[c.Name]:
				problems = append(problems, fmt.Sprintf("%s.%s: name is reserved", t.Name, c.Name))
			case seenCols[c.Name]:
				problems = append(problems, fmt.Sprintf("%s.%s: declared twice", t.Name, c.Name))
			}
			seenCols[c.Name] = true
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSchema, strings.Join(problems, "; "))
	}
	return nil
}

// Table returns the declaration for a table name.
func (r *Registry) Table(name string) (*Table, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Has reports whether the table is declared.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns table names in declared order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		names = append(names, t.Name)
	}
	return names
}

// SortedNames returns table names in lexical order.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

func formatValidation(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			out = append(out, fmt.Sprintf("%s must be one of [%s] (got %v)", fe.Namespace(), fe.Param(), fe.Value()))
		case "min":
			out = append(out, fmt.Sprintf("%s must have at least %s entries", fe.Namespace(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(out, ", ")
}
