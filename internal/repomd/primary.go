package repomd

import (
	"encoding/xml"
	"io"

	"github.com/cockroachdb/errors"
)

// Package is one package entry from the primary index.
type Package struct {
	Name     string   `xml:"name"`
	Arch     string   `xml:"arch"`
	Location Location `xml:"location"`
	Checksum Checksum `xml:"checksum"`
	Size     Size     `xml:"size"`
}

// Size carries the byte sizes reported by the primary index.  Package is
// the size of the .rpm file itself.
type Size struct {
	Package int64 `xml:"package,attr"`
}

// SHA256 returns the package checksum in hex if the index declares one of
// type sha256, or an empty string.  An empty checksum means the planner
// falls back to a size comparison.
func (p *Package) SHA256() string {
	if p.Checksum.Type == "sha256" {
		return p.Checksum.Value
	}
	return ""
}

// ParsePrimary decodes a decompressed primary index stream into the
// ordered sequence of package entries.
//
// Entries without a location href cannot be mirrored; they are dropped and
// counted in skipped so the caller can log a warning.  A decode failure of
// the stream itself is fatal and reported as ErrMalformed.
func ParsePrimary(r io.Reader) (pkgs []Package, skipped int, err error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, errors.Mark(errors.Wrap(err, "parse primary index"), ErrMalformed)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "package" {
			continue
		}

		var pkg Package
		if err := dec.DecodeElement(&pkg, &start); err != nil {
			return nil, skipped, errors.Mark(errors.Wrap(err, "decode package entry"), ErrMalformed)
		}
		if pkg.Location.Href == "" {
			skipped++
			continue
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, skipped, nil
}
