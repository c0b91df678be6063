package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDataDir(t *testing.T) {
	_, err := Load([]string{"--satoshi-datadir=/tmp/blocks"})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "datadir", cfgErr.Field)
}

func TestLoadAppendsBlocksSubdir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{
		"--datadir=" + dir,
		"--satoshi-datadir=" + filepath.Join(dir, "node-data"),
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "node-data", "blocks"), cfg.SatoshiDataDir)
}

func TestLoadLeavesBlocksSuffixedPathAlone(t *testing.T) {
	dir := t.TempDir()
	blocksDir := filepath.Join(dir, "blocks")
	cfg, err := Load([]string{
		"--datadir=" + dir,
		"--satoshi-datadir=" + blocksDir,
	})
	require.NoError(t, err)
	require.Equal(t, blocksDir, cfg.SatoshiDataDir)
}

func TestLoadDefaultsDbDirUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{
		"--datadir=" + dir,
		"--satoshi-datadir=" + filepath.Join(dir, "blocks"),
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, defaultDbDirName), cfg.DbDir)
}

func TestLoadRejectsTestnetAndRegtestTogether(t *testing.T) {
	dir := t.TempDir()
	_, err := Load([]string{
		"--testnet", "--regtest",
		"--datadir=" + dir,
		"--satoshi-datadir=" + filepath.Join(dir, "blocks"),
	})
	require.Error(t, err)
}

func TestLoadRejectsBadDbType(t *testing.T) {
	dir := t.TempDir()
	_, err := Load([]string{
		"--datadir=" + dir,
		"--satoshi-datadir=" + filepath.Join(dir, "blocks"),
		"--db-type=WEIRD",
	})
	require.Error(t, err)
}

func TestLoadRAMUsageDrivesLookAhead(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{
		"--datadir=" + dir,
		"--satoshi-datadir=" + filepath.Join(dir, "blocks"),
		"--ram-usage=4",
	})
	require.NoError(t, err)
	require.Equal(t, 4*blocksPerRAMUnit, cfg.NBlocksLookAhead())
}

func TestLoadReadsTomlFileBeforeFlags(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "blkindexer.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(
		"datadir = \""+dir+"\"\nsatoshi_datadir = \""+filepath.Join(dir, "blocks")+"\"\nram_usage = 16\n",
	), 0o644))

	cfg, err := Load([]string{"--configfile=" + confPath})
	require.NoError(t, err)
	require.Equal(t, 16, cfg.RAMUsage)

	cfg, err = Load([]string{"--configfile=" + confPath, "--ram-usage=2"})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.RAMUsage)
}

func TestCleanAndExpandPathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "foo"), CleanAndExpandPath("~/foo"))
}
