// offline-sync maintains local mirrors of RPM package repositories.
//
// Given a repository base URL and a mirror directory, it fetches the
// repodata/repomd.xml manifest, parses the primary package index, and
// downloads exactly the packages that are missing or stale locally,
// deciding by the checksums the repository itself publishes rather than
// timestamps or size heuristics.
//
// See cmd/offline-sync for the command-line interface and
// internal/mirror for the synchronization engine.
package offlinesync
