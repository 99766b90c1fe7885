package migrations

import "embed"

// FS contains the embedded schema for both supported drivers, one
// directory per dialect.
//
//go:embed mysql/*.sql sqlite/*.sql
var FS embed.FS
