// Package templates embeds the configuration file written by install.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
