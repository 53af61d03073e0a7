package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"pluginstager/internal/apperrors"
)

// CatalogLibrary is one resolved [libraries] entry of a version catalog.
type CatalogLibrary struct {
	Coordinate Coordinate
	Version    string
}

// Catalog is a parsed Gradle version catalog (libs.versions.toml).
type Catalog struct {
	libraries map[string]CatalogLibrary
}

type catalogFile struct {
	Versions  map[string]any `toml:"versions"`
	Libraries map[string]any `toml:"libraries"`
}

// LoadCatalog reads and parses a version catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Config("catalog", fmt.Sprintf("read version catalog: %v", err))
	}
	return ParseCatalog(data)
}

// ParseCatalog parses version catalog TOML. Library entries may be written as
// "group:name:version", { module = "group:name", version.ref = "alias" } or
// { group = "...", name = "...", version = "..." }.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, apperrors.Config("catalog", fmt.Sprintf("parse version catalog: %v", err))
	}

	versions := make(map[string]string, len(f.Versions))
	for alias, raw := range f.Versions {
		v, err := versionValue(raw)
		if err != nil {
			return nil, apperrors.Config("catalog.versions."+alias, fmt.Sprintf("version %q: %v", alias, err))
		}
		versions[alias] = v
	}

	c := &Catalog{libraries: make(map[string]CatalogLibrary, len(f.Libraries))}
	for alias, raw := range f.Libraries {
		lib, err := libraryValue(raw, versions)
		if err != nil {
			return nil, apperrors.Config("catalog.libraries."+alias, fmt.Sprintf("library %q: %v", alias, err))
		}
		c.libraries[normalizeAlias(alias)] = lib
	}
	return c, nil
}

// Library looks up an alias. Gradle treats '-', '_' and '.' in aliases as the
// same separator, so "sb-contrib" and "sb.contrib" name the same library.
func (c *Catalog) Library(alias string) (CatalogLibrary, bool) {
	lib, ok := c.libraries[normalizeAlias(alias)]
	return lib, ok
}

// Len returns the number of libraries in the catalog.
func (c *Catalog) Len() int { return len(c.libraries) }

func normalizeAlias(alias string) string {
	return strings.NewReplacer("-", ".", "_", ".").Replace(strings.ToLower(strings.TrimSpace(alias)))
}

func versionValue(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]any:
		for _, key := range []string{"strictly", "require", "prefer"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s, nil
			}
		}
		return "", fmt.Errorf("rich version needs strictly, require or prefer")
	default:
		return "", fmt.Errorf("unsupported version value %v", raw)
	}
}

func libraryValue(raw any, versions map[string]string) (CatalogLibrary, error) {
	switch v := raw.(type) {
	case string:
		c, version, err := ParseCoordinate(v)
		if err != nil {
			return CatalogLibrary{}, err
		}
		return CatalogLibrary{Coordinate: c, Version: version}, nil

	case map[string]any:
		var lib CatalogLibrary
		if module, ok := v["module"].(string); ok {
			c, _, err := ParseCoordinate(module)
			if err != nil {
				return CatalogLibrary{}, err
			}
			lib.Coordinate = c
		} else {
			group, _ := v["group"].(string)
			name, _ := v["name"].(string)
			c, _, err := ParseCoordinate(group + ":" + name)
			if err != nil {
				return CatalogLibrary{}, err
			}
			lib.Coordinate = c
		}

		switch ver := v["version"].(type) {
		case nil:
		case string:
			lib.Version = ver
		case map[string]any:
			if ref, ok := ver["ref"].(string); ok {
				resolved, found := versions[ref]
				if !found {
					return CatalogLibrary{}, fmt.Errorf("unknown version.ref %q", ref)
				}
				lib.Version = resolved
				break
			}
			s, err := versionValue(ver)
			if err != nil {
				return CatalogLibrary{}, err
			}
			lib.Version = s
		default:
			return CatalogLibrary{}, fmt.Errorf("unsupported version value %v", ver)
		}
		return lib, nil

	default:
		return CatalogLibrary{}, fmt.Errorf("unsupported library value %v", raw)
	}
}
