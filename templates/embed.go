// Package templates embeds the default vault configuration and policy
// documents laid down by `fte init`.
package templates

import "embed"

//go:embed config.yaml Dashboard.md Company_Handbook.md Business_Goals.md
var FS embed.FS
