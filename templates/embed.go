// Package templates embeds the files `taskvault init` writes into a new vault.
package templates

import "embed"

//go:embed config.yaml Dashboard.md
var FS embed.FS
