package validate

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	mu       sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

// ValidateJSON validates an object (already converted to JSON types) with the
// given schema. Compiled schemas are cached by source.
func ValidateJSON(obj any, schemaSrc string) error {
	sch, err := compile(schemaSrc)
	if err != nil {
		return err
	}
	return sch.Validate(obj)
}

func compile(src string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()
	if sch, ok := compiled[src]; ok {
		return sch, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return nil, err
	}
	compiled[src] = sch
	return sch, nil
}

// ValidateConfigurationMap validates one executor configuration.
func ValidateConfigurationMap(m any) error {
	return ValidateJSON(m, configurationSchema)
}

// ValidateFileMap validates a decoded daemon configuration file.
func ValidateFileMap(m map[string]any) error {
	return ValidateJSON(normalize(m), fileSchema)
}

// ValidateIndex validates a decoded registry index document.
func ValidateIndex(m any) error {
	return ValidateJSON(m, indexSchema)
}

// normalize converts TOML-decoded values into the JSON types the validator
// understands: integers become float64 and typed slices become []any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	return v
}

const configurationSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["version","binaryVersion","type","installDirectory","environment"],
  "properties":{
    "version":{"type":"string","minLength":1},
    "binaryVersion":{"type":"string","minLength":1},
    "type":{"type":"string","minLength":1},
    "installDirectory":{"type":"string","minLength":1},
    "environment":{
      "type":"object",
      "minProperties":1,
      "propertyNames":{"minLength":1},
      "additionalProperties":{"type":"string"}
    },
    "executable":{"type":"string"},
    "args":{"type":"array","items":{"type":"string"}}
  }
}`

const fileSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "properties":{
    "settings":{
      "type":"object",
      "properties":{
        "discord_token":{"type":"string"},
        "env_file":{"type":"string"},
        "ports":{
          "type":"object",
          "additionalProperties":{"type":"integer","minimum":1,"maximum":65535}
        }
      }
    },
    "registry":{
      "type":"object",
      "properties":{
        "url":{"type":"string"},
        "artifacts":{
          "type":"array",
          "items":{
            "type":"object",
            "required":["type","version","download_url"],
            "properties":{
              "type":{"type":"string"},
              "version":{"type":"string"},
              "download_url":{"type":"string"},
              "manifest_url":{"type":"string"},
              "compatible_versions":{"type":"array","items":{"type":"string"}},
              "signature_url":{"type":"string"},
              "certificate_url":{"type":"string"}
            }
          }
        }
      }
    },
    "integrity":{
      "type":"object",
      "properties":{
        "algorithm":{"type":"string","enum":["sha256","blake3"]},
        "trust_bundle":{"type":"string"}
      }
    },
    "executors":{
      "type":"array",
      "items":{
        "type":"object",
        "required":["type","version","binary_version","install_directory"],
        "properties":{
          "name":{"type":"string"},
          "type":{"type":"string"},
          "version":{"type":"string"},
          "binary_version":{"type":"string"},
          "install_directory":{"type":"string"},
          "executable":{"type":"string"},
          "args":{"type":"array","items":{"type":"string"}},
          "environment":{"type":"object","additionalProperties":{"type":"string"}},
          "depends_on":{"type":"array","items":{"type":"string"}},
          "restart":{"type":"string","enum":["never","on-failure","always"]},
          "health":{
            "type":"object",
            "properties":{
              "check":{"type":"string"},
              "interval":{"type":"string"},
              "timeout":{"type":"string"},
              "failure_threshold":{"type":"integer","minimum":1}
            }
          }
        }
      }
    }
  }
}`

const indexSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["executors"],
  "properties":{
    "executors":{
      "type":"object",
      "additionalProperties":{
        "type":"array",
        "items":{
          "type":"object",
          "required":["version","download_url"],
          "properties":{
            "version":{"type":"string","minLength":1},
            "download_url":{"type":"string"},
            "manifest_url":{"type":"string"},
            "compatible_versions":{"type":"array","items":{"type":"string"}},
            "signature_url":{"type":"string"},
            "certificate_url":{"type":"string"}
          }
        }
      }
    }
  }
}`
