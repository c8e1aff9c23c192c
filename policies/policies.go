// Package policies embeds the built-in property rules, advisory runbooks and
// the offline baseline control catalog into the binary.
package policies

import "embed"

// Checks contains the built-in property rule YAML files under checks/.
//
//go:embed checks/*.yaml
var Checks embed.FS

// Runbooks contains the advisory runbook YAML files under runbooks/,
// keyed by rule id.
//
//go:embed runbooks/*.yaml
var Runbooks embed.FS

// BaselineCatalog is the offline control catalog used when the remote
// catalog and the configured fallback file are both unavailable.
//
//go:embed catalog/baseline.json
var BaselineCatalog []byte
