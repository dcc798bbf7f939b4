// Package webassets embeds the pages siteguard serves on its own when the
// upstream site can't answer.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed fallback
var embedded embed.FS

// FallbackFS is rooted at fallback/ and always contains maintenance.html.
func FallbackFS() fs.FS {
	sub, err := fs.Sub(embedded, "fallback")
	if err != nil {
		panic(fmt.Errorf("webassets: fallback subfs: %w", err))
	}
	return sub
}
