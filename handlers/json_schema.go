package handlers

import "github.com/xeipuuv/gojsonschema"

// SubmitJobRequestSchemaDefinition is the job submission request shape,
// validated before ever touching json.Unmarshal.
const SubmitJobRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"filename": { "type": "string", "minLength": 1, "maxLength": 255 },
		"file_size": { "type": "integer", "minimum": 1 },
		"content_type": { "type": "string", "minLength": 1 },
		"processing_config": {
			"type": "object",
			"properties": {
				"resolution": { "type": "string", "enum": ["480p", "720p", "1080p", "4k"] },
				"processing_mode": { "type": "string", "enum": ["audio", "vision"] },
				"rate_limit_mode": { "type": "boolean" },
				"prompt": { "type": "string" }
			},
			"additionalProperties": false
		}
	},
	"required": [ "filename", "file_size", "content_type" ],
	"additionalProperties": false
}`

var inputSchemas = map[string]string{
	"SubmitJob": SubmitJobRequestSchemaDefinition,
}

func compileJSONSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(inputSchemas))
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

var inputSchemasCompiled = compileJSONSchemas()
