// Package defaults provides embedded starter files for the aql init
// subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// MCPJSON is an example tool-provider discovery file.
//
//go:embed mcp.example.json
var MCPJSON []byte
