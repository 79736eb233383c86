// Package record holds the format drivers that extract identity, dedup
// features and index fields from raw metadata payloads. Drivers are pure over
// their input payload; everything stateful lives in the pipeline stages.
package record

import (
	"errors"

	"github.com/openimsdk/tools/errs"
)

var (
	// ErrUnsupportedFormat is returned for a format no driver claims.
	ErrUnsupportedFormat = errors.New("unsupported metadata format")
	// ErrParse is returned for payloads the claimed format cannot read.
	ErrParse = errors.New("malformed metadata")
)

// Driver is a format-specific view over one metadata payload.
type Driver interface {
	// ID is the local identifier; may be empty when the harvester supplies
	// an OAI identifier instead.
	ID() string
	// Serialize renders the canonical payload for storage. Two payloads with
	// equal semantics serialize identically.
	Serialize() string
	// Normalize applies the format's cleanup rules in place.
	Normalize()
	// HostRecordID is non-empty when the record is a component part.
	HostRecordID() string
	// LinkingID is the identifier other records use to reference this one.
	LinkingID() string

	Title(forFiling bool) string
	MainAuthor() string
	ISBNs() []string
	ISSNs() []string
	Format() string
	PublicationYear() string
	PageCount() int
	SeriesISSN() string
	SeriesNumbering() string

	// ToSolrArray produces the keyed index document fields. Multi-valued
	// fields are []string in stable order.
	ToSolrArray() map[string]any
	// MergeComponentParts folds component part documents into this host
	// document and returns the number of parts merged.
	MergeComponentParts(parts []Driver) int
}

type constructor func(data []byte, oaiID, sourceID string, params map[string]string) (Driver, error)

var drivers = map[string]constructor{
	"marc":    newMARC,
	"dc":      newDC,
	"lido":    newLIDO,
	"ese":     newESE,
	"forward": newForward,
}

// New constructs the driver for a format. Unknown formats fail loudly; the
// closed driver set is the contract with datasources.ini.
func New(format string, data []byte, oaiID, sourceID string, params map[string]string) (Driver, error) {
	ctor, ok := drivers[format]
	if !ok {
		return nil, errs.WrapMsg(ErrUnsupportedFormat, "no driver", "format", format)
	}
	return ctor(data, oaiID, sourceID, params)
}

// Supported reports whether a driver exists for the format.
func Supported(format string) bool {
	_, ok := drivers[format]
	return ok
}
