// Package stone defines the payload shape and Codec boundary for the
// stone binary package/metadata format. Parsing the real format is an
// external collaborator (spec §1 Out of scope); this package only pins
// down the data Hub/Builder/RepositoryManager need out of it.
package stone

import "errors"

// FileType is the kind of payload a stone file carries.
type FileType string

const (
	FileTypeBinary   FileType = "binary"
	FileTypeManifest FileType = "manifest"
	FileTypeRepo     FileType = "repository"
)

// ProviderKind / DependencyKind classify the (kind, name) pairs recipes use
// to declare capabilities and requirements (spec §9 Glossary).
type ProviderKind string

const (
	ProviderPackageName ProviderKind = "package-name"
	ProviderSharedLib   ProviderKind = "shared-library"
	ProviderPkgConfig   ProviderKind = "pkg-config"
	ProviderInterpreter ProviderKind = "interpreter"
	ProviderCmdline     ProviderKind = "cmdline"
)

// Provider is a capability a package exposes.
type Provider struct {
	Kind ProviderKind
	Name string
}

// Dependency is a capability a package requires.
type Dependency struct {
	Kind ProviderKind
	Name string
}

// Meta is the subset of a stone payload's metadata the federation cares
// about (spec §3 Task, §4.5, §4.8).
type Meta struct {
	Name          string
	SourceID      string
	Version       string
	SourceRelease uint64
	BuildRelease  uint64
	Architecture  string
	URI           string // download URI; rewritten relative to the index on reindex
	SHA256        string
	Providers     []Provider
	Dependencies  []Dependency
}

// Header is the minimal stone file header needed to route a payload before
// handing it to Codec.ParseMeta.
type Header struct {
	Type FileType
}

var (
	ErrNotBinary       = errors.New("stone: file is not of type binary")
	ErrMalformedHeader = errors.New("stone: malformed header")
)

// Codec parses stone files. The production codec shells out to (or links)
// the real format library; a test double can substitute any Codec.
type Codec interface {
	// ReadHeader inspects just enough of the file to classify it.
	ReadHeader(path string) (Header, error)
	// ParseMeta extracts the full meta payload. Callers that require a
	// binary payload (spec §4.8 step 2) check Header.Type first.
	ParseMeta(path string) (Meta, error)
}
