package registry

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"

	"pluginstager/internal/apperrors"
)

const defaultExtension = "jar"

var extensionPattern = regexp.MustCompile(`^[A-Za-z0-9]+(\.[A-Za-z0-9]+)*$`)

// Declaration is one artifact entry as written in configuration.
type Declaration struct {
	Coordinate       string `mapstructure:"coordinate" yaml:"coordinate,omitempty" json:"coordinate,omitempty"`
	Version          string `mapstructure:"version" yaml:"version,omitempty" json:"version,omitempty"`
	DestinationClass string `mapstructure:"destinationClass" yaml:"destinationClass,omitempty" json:"destinationClass,omitempty"`
	Library          string `mapstructure:"library" yaml:"library,omitempty" json:"library,omitempty"` // version catalog alias
	Extension        string `mapstructure:"extension" yaml:"extension,omitempty" json:"extension,omitempty"`
	Checksum         string `mapstructure:"checksum" yaml:"checksum,omitempty" json:"checksum,omitempty"`
}

// Registry is an immutable snapshot of declared artifacts.
type Registry struct {
	specs []ArtifactSpec
}

// Load validates declarations and returns the registry snapshot. catalog may
// be nil when no declaration uses a library alias.
func Load(decls []Declaration, catalog *Catalog) (*Registry, error) {
	specs := make([]ArtifactSpec, 0, len(decls))
	byIdentity := make(map[string]int, len(decls))
	byPath := make(map[string]int, len(decls))

	for i, d := range decls {
		spec, err := resolve(i, d, catalog)
		if err != nil {
			return nil, err
		}

		field := fmt.Sprintf("artifacts[%d]", i)
		identity := spec.Coordinate.String() + "|" + string(spec.Class)
		if j, dup := byIdentity[identity]; dup {
			return nil, apperrors.Config(field+".coordinate",
				fmt.Sprintf("artifact[%d]: %s is already declared by artifact[%d] in destination class %q", i, spec.Coordinate, j, spec.Class))
		}
		if j, dup := byPath[spec.RelPath()]; dup {
			return nil, apperrors.Config(field+".coordinate",
				fmt.Sprintf("artifact[%d]: staged name %s collides with artifact[%d]", i, spec.RelPath(), j))
		}
		byIdentity[identity] = i
		byPath[spec.RelPath()] = i
		specs = append(specs, spec)
	}

	slices.SortStableFunc(specs, func(a, b ArtifactSpec) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	return &Registry{specs: specs}, nil
}

func resolve(i int, d Declaration, catalog *Catalog) (ArtifactSpec, error) {
	field := fmt.Sprintf("artifacts[%d]", i)

	coordinate := strings.TrimSpace(d.Coordinate)
	version := strings.TrimSpace(d.Version)

	if d.Library != "" {
		if coordinate != "" {
			return ArtifactSpec{}, apperrors.Config(field+".library", fmt.Sprintf("artifact[%d]: library and coordinate are mutually exclusive", i))
		}
		if catalog == nil {
			return ArtifactSpec{}, apperrors.Config(field+".library", fmt.Sprintf("artifact[%d]: library %q needs a version catalog", i, d.Library))
		}
		lib, ok := catalog.Library(d.Library)
		if !ok {
			return ArtifactSpec{}, apperrors.Config(field+".library", fmt.Sprintf("artifact[%d]: library %q is not in the version catalog", i, d.Library))
		}
		coordinate = lib.Coordinate.String()
		if version == "" {
			version = lib.Version
		}
	}

	if coordinate == "" {
		return ArtifactSpec{}, apperrors.Config(field+".coordinate", fmt.Sprintf("artifact[%d]: coordinate is required", i))
	}
	c, inline, err := ParseCoordinate(coordinate)
	if err != nil {
		return ArtifactSpec{}, apperrors.Config(field+".coordinate", fmt.Sprintf("artifact[%d]: %v", i, err))
	}
	if version == "" {
		version = inline
	}
	if version == "" {
		return ArtifactSpec{}, apperrors.Config(field+".version", fmt.Sprintf("artifact[%d]: version is required for %s", i, c))
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return ArtifactSpec{}, apperrors.Config(field+".version", fmt.Sprintf("artifact[%d]: version %q is not a semantic version", i, version))
	}

	class, err := ParseDestinationClass(d.DestinationClass)
	if err != nil {
		return ArtifactSpec{}, apperrors.Config(field+".destinationClass", fmt.Sprintf("artifact[%d]: %v", i, err))
	}

	ext := strings.TrimPrefix(strings.TrimSpace(d.Extension), ".")
	if ext == "" {
		ext = defaultExtension
	}
	if !extensionPattern.MatchString(ext) {
		return ArtifactSpec{}, apperrors.Config(field+".extension", fmt.Sprintf("artifact[%d]: invalid extension %q", i, d.Extension))
	}

	var sum digest.Digest
	if d.Checksum != "" {
		sum, err = digest.Parse(strings.TrimSpace(d.Checksum))
		if err != nil {
			return ArtifactSpec{}, apperrors.Config(field+".checksum", fmt.Sprintf("artifact[%d]: invalid checksum: %v", i, err))
		}
	}

	return ArtifactSpec{
		Coordinate: c,
		Version:    version,
		Class:      class,
		Extension:  ext,
		Checksum:   sum,
		semver:     v,
	}, nil
}

// NewSpec validates a single artifact the same way Load does.
func NewSpec(coordinate, version string, class DestinationClass) (ArtifactSpec, error) {
	return resolve(0, Declaration{Coordinate: coordinate, Version: version, DestinationClass: string(class)}, nil)
}

// Specs returns the specs in canonical order. The slice is a copy.
func (r *Registry) Specs() []ArtifactSpec {
	return slices.Clone(r.specs)
}

// Len returns the number of declared specs.
func (r *Registry) Len() int { return len(r.specs) }
