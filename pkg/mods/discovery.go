package mods

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// DiscoveryFailure records a mod directory whose manifest could not be loaded.
type DiscoveryFailure struct {
	Path string
	Err  error
}

// DiscoveryReport is the outcome of scanning a mods directory.
type DiscoveryReport struct {
	Mods     []Mod
	Failures []DiscoveryFailure
}

// Discoverer finds mods installed as subdirectories of a root directory.
type Discoverer struct {
	loader *ManifestLoader
	logger zerolog.Logger
}

// NewDiscoverer creates a discoverer using the given manifest loader.
func NewDiscoverer(loader *ManifestLoader, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		loader: loader,
		logger: logger.With().Str("component", "mod-discovery").Logger(),
	}
}

// Discover scans every subdirectory of dir that contains a manifest.
// A broken manifest is logged and reported but does not stop the scan.
func (d *Discoverer) Discover(dir string) (*DiscoveryReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read mods directory: %w", err)
	}

	report := &DiscoveryReport{
		Mods:     make([]Mod, 0, len(entries)),
		Failures: make([]DiscoveryFailure, 0),
	}

	for _, entry := range entries {
		// Hidden directories hold staged downloads.
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		modDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(modDir, ManifestFile)); err != nil {
			continue
		}

		mod, err := d.loader.LoadFromDir(modDir)
		if err != nil {
			d.logger.Warn().Err(err).Str("path", modDir).Msg("Skipping mod with invalid manifest")
			report.Failures = append(report.Failures, DiscoveryFailure{Path: modDir, Err: err})
			continue
		}

		d.logger.Debug().
			Str("mod", mod.ID()).
			Str("version", mod.Metadata.Version.String()).
			Str("path", modDir).
			Msg("Discovered mod")
		report.Mods = append(report.Mods, mod)
	}

	return report, nil
}
