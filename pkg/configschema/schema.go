package configschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/jobcoord/pkg/config"
)

var durationType = reflect.TypeOf(time.Duration(0))

// BuildSchema returns a JSON Schema for the configuration file, with the
// values of defaults (config.DefaultConfig when nil) injected as defaults.
func BuildSchema(defaults *config.Config) (*jsonschema.Schema, error) {
	opts := &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			durationType: {Type: "string"},
		},
	}

	schema, err := jsonschema.ForType(reflect.TypeOf(config.Config{}), opts)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	applyFieldNames(schema, reflect.TypeOf(config.Config{}))

	if defaults == nil {
		defaults = config.DefaultConfig()
	}
	injectDefaults(schema, reflect.ValueOf(defaults))
	pruneRequiredWithDefaults(schema)
	applyEnums(schema)

	serviceName := "Service"
	if strings.TrimSpace(defaults.Service.Name) != "" {
		serviceName = defaults.Service.Name
	}
	schema.Title = serviceName + " Configuration"
	schema.Description = "Schema for " + serviceName + " configuration."
	schema.Schema = "https://json-schema.org/draft/2020-12/schema"
	return schema, nil
}

// enums lists the closed value sets, keyed by dotted property path.
var enums = map[string][]string{
	"lock.provider":            {config.LockProviderRedis, config.LockProviderPostgres, config.LockProviderMySQL, config.LockProviderDynamoDB, config.LockProviderMemory},
	"observability.log_level":  {"debug", "info", "warn", "warning", "error"},
	"observability.log_format": {"json", "text", "console"},
}

func applyEnums(schema *jsonschema.Schema) {
	for path, values := range enums {
		node := lookupProperty(schema, path)
		if node == nil {
			continue
		}
		node.Enum = make([]any, len(values))
		for i, value := range values {
			node.Enum[i] = value
		}
	}
}

func lookupProperty(schema *jsonschema.Schema, path string) *jsonschema.Schema {
	node := schema
	for _, part := range strings.Split(path, ".") {
		if node == nil {
			return nil
		}
		node = node.Properties[part]
	}
	return node
}

// applyFieldNames renames properties from Go field names to their
// mapstructure keys, the names the loader actually reads.
func applyFieldNames(schema *jsonschema.Schema, t reflect.Type) {
	if t.Kind() != reflect.Struct || len(schema.Properties) == 0 {
		return
	}
	renamed := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := fieldKeyName(field)
		prop, ok := schema.Properties[field.Name]
		if !ok || key == "" {
			continue
		}
		if field.Type == durationType {
			// ForType may hand every duration the same *Schema.
			copied := *prop
			prop = &copied
		}
		delete(schema.Properties, field.Name)
		schema.Properties[key] = prop
		renamed[field.Name] = key
		applyFieldNames(prop, field.Type)
	}
	for i, name := range schema.Required {
		if key, ok := renamed[name]; ok {
			schema.Required[i] = key
		}
	}
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct || len(schema.Properties) == 0 {
		return
	}
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		prop, ok := schema.Properties[fieldKeyName(t.Field(i))]
		if !ok {
			continue
		}
		fieldVal := value.Field(i)
		if prop.Default == nil {
			if raw, ok := marshalDefault(fieldVal); ok {
				prop.Default = raw
			}
		}
		injectDefaults(prop, fieldVal)
	}
}

func pruneRequiredWithDefaults(schema *jsonschema.Schema) {
	for _, prop := range schema.Properties {
		pruneRequiredWithDefaults(prop)
	}
	if len(schema.Required) == 0 {
		return
	}
	kept := make([]string, 0, len(schema.Required))
	for _, name := range schema.Required {
		prop := schema.Properties[name]
		if prop == nil || prop.Default == nil {
			kept = append(kept, name)
		}
	}
	schema.Required = kept
}

// marshalDefault renders durations in their flag syntax ("30s") to match the
// string type they are declared with.
func marshalDefault(value reflect.Value) (json.RawMessage, bool) {
	var payload []byte
	var err error
	if dur, ok := value.Interface().(time.Duration); ok {
		payload, err = json.Marshal(dur.String())
	} else {
		payload, err = json.Marshal(value.Interface())
	}
	if err != nil {
		return nil, false
	}
	return payload, true
}

func fieldKeyName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
	if name == "-" {
		return ""
	}
	return name
}
