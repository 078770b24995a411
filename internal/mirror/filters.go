package mirror

import (
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/BadgerOps/offline-sync/internal/repomd"
)

// rpmNameVersion holds the fields parsed from an RPM filename,
// name-version-release.arch.rpm.
type rpmNameVersion struct {
	name    string
	version string
	release string
}

// parseRPMNameVersion extracts name/version/release from an .rpm filename.
// Returns the zero value for paths that do not look like RPM packages.
func parseRPMNameVersion(filePath string) rpmNameVersion {
	filename := path.Base(filePath)
	if !strings.HasSuffix(filename, ".rpm") {
		return rpmNameVersion{}
	}
	base := strings.TrimSuffix(filename, ".rpm")

	// strip the trailing .arch
	dot := strings.LastIndex(base, ".")
	if dot < 0 {
		return rpmNameVersion{}
	}
	base = base[:dot]

	// name-version-release; name may itself contain dashes
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return rpmNameVersion{}
	}

	return rpmNameVersion{
		name:    strings.Join(parts[:len(parts)-2], "-"),
		version: parts[len(parts)-2],
		release: parts[len(parts)-1],
	}
}

// ApplyFilters prunes the package list according to the per-repo filter
// configuration.  With a nil config the input is returned unchanged.
func ApplyFilters(pkgs []repomd.Package, filters *PackageFilters, repoID string) []repomd.Package {
	if filters == nil {
		return pkgs
	}

	// Group filterable packages by name; anything unparseable passes
	// through untouched.
	groups := make(map[string][]repomd.Package)
	var kept []repomd.Package

	for _, pkg := range pkgs {
		nv := parseRPMNameVersion(pkg.Location.Href)
		if nv.name == "" {
			kept = append(kept, pkg)
			continue
		}
		if shouldExclude(nv, filters.ExcludePatterns) {
			slog.Debug("excluding package by pattern", "repo", repoID, "package", nv.name, "version", nv.version)
			continue
		}
		groups[nv.name] = append(groups[nv.name], pkg)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	filteredOut := 0
	for _, name := range names {
		versions := groups[name]

		// newest first
		sort.SliceStable(versions, func(i, j int) bool {
			nvi := parseRPMNameVersion(versions[i].Location.Href)
			nvj := parseRPMNameVersion(versions[j].Location.Href)

			vi, erri := version.NewVersion(nvi.version)
			vj, errj := version.NewVersion(nvj.version)
			if erri != nil || errj != nil {
				return nvi.version > nvj.version
			}
			if vi.Equal(vj) {
				return nvi.release > nvj.release
			}
			return vi.GreaterThan(vj)
		})

		keep := len(versions)
		if filters.KeepVersions > 0 && filters.KeepVersions < keep {
			keep = filters.KeepVersions
		}
		kept = append(kept, versions[:keep]...)
		filteredOut += len(versions) - keep
	}

	if filteredOut > 0 || len(kept) != len(pkgs) {
		slog.Info("package filtering complete", "repo", repoID,
			"total", len(pkgs), "kept", len(kept), "filtered_out", len(pkgs)-len(kept))
	}
	return kept
}

func shouldExclude(nv rpmNameVersion, patterns []string) bool {
	fullName := nv.name + "-" + nv.version + "-" + nv.release
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, nv.name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, fullName); matched {
			return true
		}
	}
	return false
}
