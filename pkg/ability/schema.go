/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/carverauto/peersync/pkg/models"
)

// SchemaType tags the schema string carried in ability packets.
type SchemaType uint32

const (
	SchemaTypeNone SchemaType = iota
	SchemaTypeJSON
	SchemaTypeFlatBuffer
	SchemaTypeRelational
)

func (t SchemaType) String() string {
	switch t {
	case SchemaTypeNone:
		return "kv"
	case SchemaTypeJSON:
		return "json"
	case SchemaTypeFlatBuffer:
		return "flatbuffer"
	case SchemaTypeRelational:
		return "relational"
	default:
		return fmt.Sprintf("schema_type_%d", uint32(t))
	}
}

// ParseSchemaType accepts the names String returns. Empty means kv.
func ParseSchemaType(s string) (SchemaType, error) {
	if s == "" {
		return SchemaTypeNone, nil
	}

	for t := SchemaTypeNone; t.known(); t++ {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown schema type %q", models.ErrInvalidArgs, s)
}

func (t SchemaType) known() bool {
	return t <= SchemaTypeRelational
}

// JSON schema modes.
const (
	SchemaModeStrict     = "STRICT"
	SchemaModeCompatible = "COMPATIBLE"
)

// Schema is a parsed schema string. Fields holds "path -> definition" for JSON
// schemas; Tables holds "table -> column -> definition" for relational ones.
type Schema struct {
	Type   SchemaType
	Raw    string
	Mode   string
	Fields map[string]string
	Tables map[string]map[string]string
}

// ParseSchema parses raw according to typ. KV and flatbuffer schemas are kept
// opaque.
func ParseSchema(typ SchemaType, raw string) (*Schema, error) {
	s := &Schema{Type: typ, Raw: raw}

	switch typ {
	case SchemaTypeNone, SchemaTypeFlatBuffer:
		return s, nil
	case SchemaTypeJSON:
		return s, s.parseJSON()
	case SchemaTypeRelational:
		return s, s.parseRelational()
	default:
		return nil, fmt.Errorf("%w: %w: %d", models.ErrSchemaMismatch, errUnknownSchema, uint32(typ))
	}
}

func (s *Schema) parseJSON() error {
	if !gjson.Valid(s.Raw) {
		return fmt.Errorf("%w: json schema is not valid json", models.ErrParseFail)
	}

	doc := gjson.Parse(s.Raw)

	s.Mode = strings.ToUpper(doc.Get("SCHEMA_MODE").String())
	if s.Mode == "" {
		s.Mode = SchemaModeStrict
	}

	define := doc.Get("SCHEMA_DEFINE")
	if !define.IsObject() {
		return fmt.Errorf("%w: json schema has no SCHEMA_DEFINE object", models.ErrParseFail)
	}

	s.Fields = make(map[string]string)
	flattenFields(define, "", s.Fields)

	return nil
}

func flattenFields(obj gjson.Result, prefix string, out map[string]string) {
	obj.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}

		if value.IsObject() {
			flattenFields(value, path, out)
		} else {
			out[path] = normalizeDefinition(value.String())
		}

		return true
	})
}

func (s *Schema) parseRelational() error {
	if !gjson.Valid(s.Raw) {
		return fmt.Errorf("%w: relational schema is not valid json", models.ErrParseFail)
	}

	tables := gjson.Get(s.Raw, "TABLES")
	if !tables.IsArray() || len(tables.Array()) == 0 {
		return fmt.Errorf("%w: %w", models.ErrParseFail, errNoTables)
	}

	s.Tables = make(map[string]map[string]string)

	for _, t := range tables.Array() {
		name := t.Get("NAME").String()
		if name == "" {
			return fmt.Errorf("%w: relational table without NAME", models.ErrParseFail)
		}

		cols := make(map[string]string)

		t.Get("DEFINE").ForEach(func(col, def gjson.Result) bool {
			d := normalizeDefinition(def.Get("TYPE").String())
			if def.Get("PRIMARY_KEY").Bool() {
				d += ",PK"
			}

			if def.Get("NOT_NULL").Bool() {
				d += ",NOT NULL"
			}

			cols[strings.ToLower(col.String())] = d

			return true
		})

		s.Tables[strings.ToLower(name)] = cols
	}

	return nil
}

func normalizeDefinition(def string) string {
	parts := strings.Split(def, ",")
	for i, p := range parts {
		parts[i] = strings.ToUpper(strings.Join(strings.Fields(p), " "))
	}

	return strings.Join(parts, ",")
}

// TableNames returns the sorted relational table names.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
