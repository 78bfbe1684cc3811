// Package templates embeds the default configuration and gate files written
// by isolate init.
package templates

import "embed"

//go:embed config.yaml quality_gates
var FS embed.FS
