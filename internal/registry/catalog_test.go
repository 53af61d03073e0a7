package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginstager/internal/apperrors"
)

const testCatalog = `
[versions]
spotbugs = "4.9.3"
sbcontrib = "7.6.4"
findsecbugs = { strictly = "1.12.0" }

[libraries]
spotbugs = { module = "com.github.spotbugs:spotbugs", version.ref = "spotbugs" }
fbcontrib = { module = "com.mebigfatguy.sb-contrib:sb-contrib", version.ref = "sbcontrib" }
fbcontrib6 = { group = "com.mebigfatguy.fb-contrib", name = "fb-contrib", version = "6.2.1" }
findsecbugs = { module = "com.h3xstream.findsecbugs:findsecbugs-plugin", version.ref = "findsecbugs" }
jsoup = "org.jsoup:jsoup:1.19.1"
table-layout = { module = "info.clearthought:table-layout" }
`

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	assert.Equal(t, 6, cat.Len())

	lib, ok := cat.Library("fbcontrib")
	require.True(t, ok)
	assert.Equal(t, "com.mebigfatguy.sb-contrib:sb-contrib", lib.Coordinate.String())
	assert.Equal(t, "7.6.4", lib.Version)

	lib, ok = cat.Library("fbcontrib6")
	require.True(t, ok)
	assert.Equal(t, "6.2.1", lib.Version)

	lib, ok = cat.Library("findsecbugs")
	require.True(t, ok)
	assert.Equal(t, "1.12.0", lib.Version)

	lib, ok = cat.Library("jsoup")
	require.True(t, ok)
	assert.Equal(t, "1.19.1", lib.Version)

	lib, ok = cat.Library("table.layout")
	require.True(t, ok, "aliases match across separators")
	assert.Empty(t, lib.Version)
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not toml", "[libraries"},
		{"unknown ref", `[libraries]
x = { module = "a:b", version.ref = "missing" }`},
		{"bad module", `[libraries]
x = { module = "nocolon", version = "1.0" }`},
		{"rich version without value", `[versions]
x = { reject = "1.0" }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrConfig))
		})
	}
}

func TestLoad_WithCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libs.versions.toml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)

	reg, err := Load([]Declaration{
		{Library: "fbcontrib"},
		{Library: "findsecbugs"},
		{Library: "fbcontrib6", DestinationClass: "legacy-runtime"},
		{Library: "table-layout", Version: "1.0"},
	}, cat)
	require.NoError(t, err)

	ids := make([]string, 0, reg.Len())
	for _, s := range reg.Specs() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{
		"com.h3xstream.findsecbugs:findsecbugs-plugin:1.12.0",
		"com.mebigfatguy.fb-contrib:fb-contrib:6.2.1",
		"com.mebigfatguy.sb-contrib:sb-contrib:7.6.4",
		"info.clearthought:table-layout:1.0",
	}, ids)

	_, err = Load([]Declaration{{Library: "missing"}}, cat)
	assert.True(t, errors.Is(err, apperrors.ErrConfig))

	_, err = Load([]Declaration{{Library: "jsoup", Coordinate: "org.jsoup:jsoup"}}, cat)
	assert.True(t, errors.Is(err, apperrors.ErrConfig))
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.toml"))
	assert.True(t, errors.Is(err, apperrors.ErrConfig))
}
