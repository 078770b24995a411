// Package repomd implements typed parsing of RPM repository metadata:
// the repodata/repomd.xml manifest and the primary package index it
// references.
package repomd

import (
	"encoding/xml"

	"github.com/cockroachdb/errors"
)

// TypePrimary is the manifest data type that carries the package index.
// A manifest without it is unusable: no package list can be built.
const TypePrimary = "primary"

// ErrMalformed marks metadata that is structurally broken: a manifest
// without a primary index entry, or an index entry missing a mandatory
// field.  Test with errors.Is.
var ErrMalformed = errors.New("malformed repository metadata")

// Manifest is a parsed repodata/repomd.xml document.
//
// Revision is an opaque token compared for string equality against a
// previously mirrored manifest.  It is never interpreted as a date.
type Manifest struct {
	XMLName  xml.Name    `xml:"repomd"`
	Revision string      `xml:"revision"`
	Data     []DataEntry `xml:"data"`
}

// DataEntry describes one auxiliary metadata file referenced by the
// manifest.  Location.Href is always relative to the repository base URL.
type DataEntry struct {
	Type     string   `xml:"type,attr"`
	Location Location `xml:"location"`
	Checksum Checksum `xml:"checksum"`
	Size     uint64   `xml:"size"`
}

// Location carries a path relative to the repository base URL.
type Location struct {
	Href string `xml:"href,attr"`
}

// Checksum is a typed digest value, hex encoded.
type Checksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// ParseManifest parses raw repomd.xml bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse repomd.xml"), ErrMalformed)
	}
	return &m, nil
}

// Primary returns the manifest entry for the primary package index.
// Its absence is fatal to a sync run and reported as ErrMalformed.
func (m *Manifest) Primary() (*DataEntry, error) {
	for i := range m.Data {
		d := &m.Data[i]
		if d.Type == TypePrimary && d.Location.Href != "" {
			return d, nil
		}
	}
	return nil, errors.Mark(errors.New("repomd.xml has no primary index entry"), ErrMalformed)
}
