// Package configs provides embedded configuration and catalog data for localwiki.
//
// Files are embedded at build time with go:embed so they are available in
// all distributions (go install, binary releases). The package catalog is
// the authoritative list of downloadable knowledge packages; users can
// point at an external manifest instead with `localwiki fetch --manifest`.
package configs

import _ "embed"

// ConfigTemplate is the template for the user configuration file.
// Created at ~/.localwiki/config.yaml on first run.
//
//go:embed config.example.yaml
var ConfigTemplate string

// PackageCatalog is the embedded catalog of knowledge packages.
// Parsed by internal/catalog.LoadEmbedded.
//
//go:embed packages.yaml
var PackageCatalog string
