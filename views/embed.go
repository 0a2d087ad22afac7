// Package views holds the HTML pages served by the demo checkout.
package views

import "embed"

//go:embed layouts/*.html *.html
var Files embed.FS
