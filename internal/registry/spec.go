// Package registry turns artifact declarations into an immutable, validated
// set of ArtifactSpecs.
package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
)

// DestinationClass selects the plugin subdirectory an artifact is staged into.
type DestinationClass string

const (
	Standard      DestinationClass = "standard"
	LegacyRuntime DestinationClass = "legacy-runtime"
)

// Classes lists every destination class in staging order.
func Classes() []DestinationClass {
	return []DestinationClass{Standard, LegacyRuntime}
}

// ParseDestinationClass parses a class name. Empty means Standard.
func ParseDestinationClass(s string) (DestinationClass, error) {
	switch DestinationClass(strings.TrimSpace(s)) {
	case "", Standard:
		return Standard, nil
	case LegacyRuntime:
		return LegacyRuntime, nil
	default:
		return "", fmt.Errorf("unknown destination class %q (want %q or %q)", s, Standard, LegacyRuntime)
	}
}

// Dir is the subdirectory name under the destination root.
func (c DestinationClass) Dir() string { return string(c) }

var coordinatePart = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Coordinate names an artifact independent of its version.
type Coordinate struct {
	Group string
	Name  string
}

// ParseCoordinate parses "group:name" or "group:name:version". The version
// is returned separately and is empty for the two-part form.
func ParseCoordinate(s string) (Coordinate, string, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Coordinate{}, "", fmt.Errorf("coordinate %q must be group:name or group:name:version", s)
	}
	c := Coordinate{Group: parts[0], Name: parts[1]}
	if !coordinatePart.MatchString(c.Group) {
		return Coordinate{}, "", fmt.Errorf("coordinate %q has invalid group %q", s, c.Group)
	}
	if !coordinatePart.MatchString(c.Name) {
		return Coordinate{}, "", fmt.Errorf("coordinate %q has invalid name %q", s, c.Name)
	}
	var version string
	if len(parts) == 3 {
		version = parts[2]
		if version == "" {
			return Coordinate{}, "", fmt.Errorf("coordinate %q has an empty version", s)
		}
	}
	return c, version, nil
}

func (c Coordinate) String() string { return c.Group + ":" + c.Name }

// MarshalText renders the coordinate as group:name.
func (c Coordinate) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText parses group:name.
func (c *Coordinate) UnmarshalText(b []byte) error {
	parsed, version, err := ParseCoordinate(string(b))
	if err != nil {
		return err
	}
	if version != "" {
		return fmt.Errorf("coordinate %q must not carry a version", b)
	}
	*c = parsed
	return nil
}

// ArtifactSpec is one declared artifact. Values are immutable once loaded.
type ArtifactSpec struct {
	Coordinate Coordinate       `yaml:"coordinate" json:"coordinate"`
	Version    string           `yaml:"version" json:"version"`
	Class      DestinationClass `yaml:"destinationClass" json:"destinationClass"`
	Extension  string           `yaml:"extension" json:"extension"`
	Checksum   digest.Digest    `yaml:"checksum,omitempty" json:"checksum,omitempty"`

	semver *semver.Version
}

// ID returns group:name:version.
func (s ArtifactSpec) ID() string { return s.Coordinate.String() + ":" + s.Version }

func (s ArtifactSpec) String() string { return s.ID() + " (" + string(s.Class) + ")" }

// FileName is the staged file name, name-version.ext.
func (s ArtifactSpec) FileName() string {
	return s.Coordinate.Name + "-" + s.Version + "." + s.Extension
}

// RelPath is the staged path relative to the destination root.
func (s ArtifactSpec) RelPath() string { return s.Class.Dir() + "/" + s.FileName() }

// SemVer returns the parsed version.
func (s ArtifactSpec) SemVer() *semver.Version { return s.semver }

// Less orders specs by coordinate, then semantic version, then class.
func (s ArtifactSpec) Less(o ArtifactSpec) bool {
	if a, b := s.Coordinate.String(), o.Coordinate.String(); a != b {
		return a < b
	}
	if s.semver != nil && o.semver != nil {
		if c := s.semver.Compare(o.semver); c != 0 {
			return c < 0
		}
	} else if s.Version != o.Version {
		return s.Version < o.Version
	}
	return s.Class < o.Class
}
