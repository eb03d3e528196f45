package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locsync/pipeline"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFile_YAMLLanguagesListOrCSV(t *testing.T) {
	p := writeFile(t, "a.yaml", "root: /data/strings\nlanguages: [KR, en]\nsafe_mode: false\n")
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "/data/strings", cfg.Root)
	assert.Equal(t, Languages{"KR", "en"}, cfg.Languages)
	require.NotNil(t, cfg.SafeMode)
	assert.False(t, *cfg.SafeMode)

	p = writeFile(t, "b.yml", "languages: \"KR, EN ,,JP\"\n")
	cfg, err = LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, Languages{"KR", "EN", "JP"}, cfg.Languages)
	assert.Nil(t, cfg.SafeMode)
}

func TestLoadFile_JSONDocument(t *testing.T) {
	p := writeFile(t, "c.json", `{"root": "/r", "snapshot": "/s.db", "batch_size": 50, "languages": ["KR","CN"]}`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "/s.db", cfg.Snapshot)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, Languages{"KR", "CN"}, cfg.Languages)
}

func TestLoadFile_TOML(t *testing.T) {
	p := writeFile(t, "d.toml", "root = \"/r\"\ncatalog = \"/c.db\"\nlanguages = \"KR,TW\"\ncatalog_width = 6\n")
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "/c.db", cfg.Catalog)
	assert.Equal(t, 6, cfg.CatalogWidth)
	assert.Equal(t, Languages{"KR", "TW"}, cfg.Languages)

	p = writeFile(t, "e.toml", "languages = [\"KR\", \"EN\"]\n")
	cfg, err = LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, Languages{"KR", "EN"}, cfg.Languages)
}

func TestLoadFile_RejectsBadLanguages(t *testing.T) {
	p := writeFile(t, "f.yaml", "languages: {KR: true}\n")
	_, err := LoadFile(p)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "g.yaml", "root: /from-file\nsnapshot: /snap.db\ndebug: false\n")
	t.Setenv("LOCSYNC_ROOT", "/from-env")
	t.Setenv("LOCSYNC_DEBUG", "true")
	t.Setenv("LOCSYNC_SAFE_MODE", "false")
	t.Setenv("LOCSYNC_LANGUAGES", "KR,EN")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/from-env", cfg.Root)
	assert.Equal(t, "/snap.db", cfg.Snapshot)
	assert.True(t, cfg.Debug)
	require.NotNil(t, cfg.SafeMode)
	assert.False(t, *cfg.SafeMode)
	assert.Equal(t, Languages{"KR", "EN"}, cfg.Languages)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Root)
}

func TestPipeline_Defaults(t *testing.T) {
	got, err := (&Config{Root: "/r"}).Pipeline()
	require.NoError(t, err)
	want := pipeline.Config{
		Root:          "/r",
		BatchSize:     500,
		SafeMode:      true,
		RequestColumn: "#번역요청",
		RequestMarker: "신규",
		TokenPrefix:   "utext",
		CatalogPrefix: "utext_",
		CatalogWidth:  5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("pipeline config mismatch (-want +got):\n%s", diff)
	}
}

func TestPipeline_ExpandsHomeAndLanguages(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)
	off := false
	got, err := (&Config{
		Snapshot:  "~/loc/snap.db",
		Languages: Languages{"en", "kr", "xx"},
		SafeMode:  &off,
	}).Pipeline()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "loc", "snap.db"), got.Snapshot)
	assert.Equal(t, []string{"EN", "KR"}, got.Languages)
	assert.False(t, got.SafeMode)

	_, err = (&Config{Languages: Languages{"xx"}}).Pipeline()
	require.Error(t, err)
}
