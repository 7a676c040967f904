// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// UnitOfWorkSchema is the embedded unit-of-work manifest JSON schema.
//
//go:embed unit-of-work.schema.json
var UnitOfWorkSchema []byte
