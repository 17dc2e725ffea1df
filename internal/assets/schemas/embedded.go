// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library validate
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// WatchManifestSchema is the embedded watch-manifest JSON schema.
//
//go:embed watch-manifest.schema.json
var WatchManifestSchema []byte
