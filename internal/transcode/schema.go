// Package transcode maps SQL result rows to nested domain mappings
// through declarative schemas: field renames, defaults for NULL,
// post-processors, nested sub-schemas with column prefixes and
// single-level inheritance.
package transcode

import "fmt"

// Field maps one row column to an output key.
type Field struct {
	// Column is the row column the value comes from.
	Column string
	// Default replaces NULL and missing columns. It runs through
	// Process once, at compile time.
	Default any
	// Process transforms the raw column value, when set.
	Process func(any) any
}

// Sub nests another schema under an output key. Prefix, when set, is
// prepended to every column lookup of the nested schema.
type Sub struct {
	Schema string
	Prefix string
}

// Schema declares how a row becomes a nested mapping. Keys of Fields
// and Subs are the output keys.
type Schema struct {
	// Inherit names a parent schema whose fields are merged in first;
	// this schema's own entries win on collision. Single level only.
	Inherit string
	Fields  map[string]Field
	Subs    map[string]Sub
}

type compiledField struct {
	key     string
	def     any
	process func(any) any
}

type compiledSchema struct {
	// column name -> output action
	fields map[string]compiledField
	// output key -> nested schema with its extra column prefix
	subs map[string]compiledSub
}

type compiledSub struct {
	schema *compiledSchema
	prefix string
}

// Registry holds compiled schemas. Compile order follows dependencies:
// a schema must be registered after the schemas it inherits or nests.
type Registry struct {
	schemas map[string]*compiledSchema
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*compiledSchema)}
}

// Register compiles and stores a schema under name.
func (r *Registry) Register(name string, s Schema) error {
	c := &compiledSchema{
		fields: make(map[string]compiledField),
		subs:   make(map[string]compiledSub),
	}

	if s.Inherit != "" {
		parent, ok := r.schemas[s.Inherit]
		if !ok {
			return fmt.Errorf("schema %s inherits unknown schema %s", name, s.Inherit)
		}
		for column, field := range parent.fields {
			c.fields[column] = field
		}
		for key, sub := range parent.subs {
			c.subs[key] = sub
		}
	}

	for key, f := range s.Fields {
		def := f.Default
		if f.Process != nil {
			def = f.Process(def)
		}
		c.fields[f.Column] = compiledField{key: key, def: def, process: f.Process}
	}

	for key, sub := range s.Subs {
		nested, ok := r.schemas[sub.Schema]
		if !ok {
			return fmt.Errorf("schema %s requires unknown schema %s", name, sub.Schema)
		}
		c.subs[key] = compiledSub{schema: nested, prefix: sub.Prefix}
	}

	r.schemas[name] = c
	return nil
}

// MustRegister is Register, panicking on a broken declaration. Schema
// wiring mistakes are programming errors caught on boot.
func (r *Registry) MustRegister(name string, s Schema) {
	if err := r.Register(name, s); err != nil {
		panic(err)
	}
}

// AsDict transcodes one row through the named schema. prefix, when
// non-empty, is prepended to every column lookup. Columns in the row
// that no schema field names are ignored; schema fields whose column
// is missing or NULL yield their default.
func (r *Registry) AsDict(schemaName string, row map[string]any, prefix string) (map[string]any, error) {
	c, ok := r.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", schemaName)
	}
	return c.asDict(row, prefix), nil
}

// AsDictList transcodes a slice of rows through the named schema.
func (r *Registry) AsDictList(schemaName string, rows []map[string]any, prefix string) ([]map[string]any, error) {
	c, ok := r.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", schemaName)
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = c.asDict(row, prefix)
	}
	return out, nil
}

func (c *compiledSchema) asDict(row map[string]any, prefix string) map[string]any {
	result := make(map[string]any, len(c.fields)+len(c.subs))

	for column, action := range c.fields {
		raw, ok := row[prefix+column]
		if !ok || raw == nil {
			result[action.key] = action.def
			continue
		}
		if action.process != nil {
			result[action.key] = action.process(raw)
		} else {
			result[action.key] = raw
		}
	}

	for key, sub := range c.subs {
		result[key] = sub.schema.asDict(row, prefix+sub.prefix)
	}
	return result
}
