// Package main - provider registrations.
//
// Blank-import each provider package to trigger its init() function,
// which registers the provider with the provider registry.
//
// To add a new provider, add a blank import here:
//
//	_ "github.com/PiotrMackowski/ClosedCSPM/internal/provider/aws"
package main

import (
	// Register all supported resource providers.
	_ "github.com/PiotrMackowski/ClosedCSPM/internal/provider/azure"
	_ "github.com/PiotrMackowski/ClosedCSPM/internal/provider/gcp"
	_ "github.com/PiotrMackowski/ClosedCSPM/internal/provider/snapshot"
)
