package templates

// Embed base.html and status.html, the pages of the status endpoint

import (
	"embed"
)

//go:embed status.html base.html
var FS embed.FS
