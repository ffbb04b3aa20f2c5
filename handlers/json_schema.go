package handlers

import "github.com/xeipuuv/gojsonschema"

const StreamHookRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"name":        { "type": "string", "minLength": 1 },
		"schedulerId": { "type": "string" }
	},
	"required": ["name", "schedulerId"],
	"additionalProperties": false
}`

const NginxHookRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"streamId":  { "type": "string", "minLength": 1 },
		"inputUrl":  { "type": "string" },
		"outputUrl": { "type": "string" }
	},
	"required": ["streamId"],
	"additionalProperties": false
}`

const EditEpisodeRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"streamKey":     { "type": "string", "minLength": 1 },
		"episodeNumber": { "type": "integer", "minimum": 1 },
		"title":         { "type": "string" },
		"description":   { "type": "string" },
		"adminEmail":    { "type": "string", "minLength": 1 }
	},
	"required": ["streamKey", "episodeNumber", "adminEmail"],
	"additionalProperties": false
}`

var inputSchemas map[string]string = map[string]string{
	"StreamHook":  StreamHookRequestSchemaDefinition,
	"NginxHook":   NginxHookRequestSchemaDefinition,
	"EditEpisode": EditEpisodeRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// raise panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
