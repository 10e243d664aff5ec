package meshproto

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://voxelmesh.dev/schemas/meshproto/"

// clientSchemas holds one compiled schema per client message type.
var clientSchemas = func() map[string]*jsonschema.Schema {
	out := map[string]*jsonschema.Schema{}
	for typ, file := range map[string]string{
		TypeHello: "hello.schema.json",
		TypeMove:  "move.schema.json",
		TypeEdit:  "edit.schema.json",
		TypePick:  "pick.schema.json",
	} {
		b, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			panic(err)
		}
		out[typ] = jsonschema.MustCompileString(schemaBase+file, string(b))
	}
	return out
}()

// ValidateClient checks a raw client message against the schema for its
// type and returns the type.
func ValidateClient(raw []byte) (string, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return "", fmt.Errorf("meshproto: %w", err)
	}
	s, ok := clientSchemas[base.Type]
	if !ok {
		return base.Type, fmt.Errorf("meshproto: unknown message type %q", base.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return base.Type, fmt.Errorf("meshproto: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return base.Type, fmt.Errorf("meshproto: %s: %s", strings.ToLower(base.Type), err)
	}
	return base.Type, nil
}
