package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	jsonschemago "github.com/swaggest/jsonschema-go"

	"github.com/hotspot-os/provisioner/types"
)

// manifestSchema mirrors types.Manifest with the constraints a usable
// manifest has to satisfy. Kept separate so the shared type stays free of
// schema tags.
type manifestSchema struct {
	Name     string       `json:"name" required:"true" minLength:"1" description:"Image name"`
	Version  string       `json:"version" required:"true" minLength:"1" description:"Image version, semver ordering"`
	Checksum string       `json:"checksum" required:"true" minLength:"1" description:"Checksum of the image content, enforced when it is a sha256 digest"`
	Arch     string       `json:"arch,omitempty" enum:"arm64,amd64,riscv64" description:"Target architecture"`
	Layout   []layoutDecl `json:"layout,omitempty" description:"Expected partitions after flashing"`
}

type layoutDecl struct {
	Index   int    `json:"index" required:"true" minimum:"1" description:"Partition number, 1-based"`
	FS      string `json:"fs,omitempty" description:"Expected filesystem"`
	SizeMiB int    `json:"size_mib,omitempty" minimum:"1" description:"Expected partition size in MiB"`
}

// GenerateSchema renders the JSON schema the manifest is validated against.
func GenerateSchema(url string) (string, error) {
	reflector := jsonschemago.Reflector{}
	generatedSchema, err := reflector.Reflect(manifestSchema{})
	if err != nil {
		return "", err
	}
	if url != "" {
		generatedSchema.WithID(url)
	}
	generatedSchemaJSON, err := json.MarshalIndent(generatedSchema, "", " ")
	if err != nil {
		return "", err
	}
	return string(generatedSchemaJSON), nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		generated, err := GenerateSchema("")
		if err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = jsonschema.CompileString("manifest.json", generated)
	})
	return compiledSchema, schemaErr
}

// Parse turns raw manifest bytes into a Manifest. Anything that does not
// satisfy the schema or carries an unusable version is rejected, callers
// decide whether that is fatal or just skips the image.
func Parse(data []byte) (*types.Manifest, error) {
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w: %v", types.ErrValidationFailed, err)
	}

	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("compiling manifest schema: %w", err)
	}
	if err := sch.Validate(parsed); err != nil {
		return nil, fmt.Errorf("manifest rejected by schema: %w: %v", types.ErrValidationFailed, err)
	}

	m := &types.Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("manifest does not map to the expected shape: %w: %v", types.ErrValidationFailed, err)
	}

	if !ValidVersion(m.Version) {
		return nil, fmt.Errorf("manifest version %q is not orderable: %w", m.Version, types.ErrValidationFailed)
	}
	seen := map[int]bool{}
	for _, decl := range m.Layout {
		if seen[decl.Index] {
			return nil, fmt.Errorf("manifest layout repeats partition %d: %w", decl.Index, types.ErrValidationFailed)
		}
		seen[decl.Index] = true
	}
	return m, nil
}
