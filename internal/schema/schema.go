// Package schema validates raw source records against the embedded JSON
// Schema of their listing type.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var compiledSchemas = make(map[models.ObjectType]*jsonschema.Schema)

var missingProperty = regexp.MustCompile(`missing properties?: '([^']+)'`)

func init() {
	compiler := jsonschema.NewCompiler()

	// Register every file first so $ref between them resolves
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		panic(fmt.Sprintf("failed to read embedded schemas: %v", err))
	}
	for _, entry := range entries {
		name := "schemas/" + entry.Name()
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("failed to read schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			panic(fmt.Sprintf("failed to add schema resource %s: %v", name, err))
		}
	}

	for _, objectType := range models.ObjectTypes() {
		name := path.Join("schemas", objectType.String()+".json")
		compiled, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("failed to compile schema %s: %v", name, err))
		}
		compiledSchemas[objectType] = compiled
	}
}

// Validate checks one raw record. A violation comes back as a validation
// failure naming the offending field.
func Validate(objectType models.ObjectType, raw []byte) error {
	compiled, ok := compiledSchemas[objectType]
	if !ok {
		return fmt.Errorf("no schema for object type %q", objectType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return errlog.Validation("", fmt.Errorf("record is not valid JSON: %w", err))
	}

	if err := compiled.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := firstLeaf(verr)
			return errlog.Validation(fieldOf(leaf), errors.New(leaf.Message))
		}
		return errlog.Validation("", err)
	}
	return nil
}

func firstLeaf(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

// fieldOf turns "/prices/0/room_type" into "prices.0.room_type". A missing
// property is reported on the object that lacks it.
func fieldOf(err *jsonschema.ValidationError) string {
	field := strings.ReplaceAll(strings.TrimPrefix(err.InstanceLocation, "/"), "/", ".")
	if m := missingProperty.FindStringSubmatch(err.Message); m != nil {
		if field == "" {
			return m[1]
		}
		return field + "." + m[1]
	}
	return field
}
