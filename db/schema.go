// Package db carries the canonical SQL schema, embedded so integration
// tests and bootstrap tooling apply the same definitions.
package db

import _ "embed"

//go:embed schema.sql
var Schema string
