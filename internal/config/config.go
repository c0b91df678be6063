// Package config parses the command-line and optional TOML file surface
// spec.md section 6 names, producing a validated Config the rest of the
// program constructs from. Flag parsing follows lnd's two-pass shape:
// a pre-parse just to find --configfile, then a TOML-file load,
// then the real flag parse so command-line values win over the file.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"

	"github.com/gocoin/blkindexer/internal/chainparams"
	"github.com/gocoin/blkindexer/internal/index"
)

const (
	defaultDbDirName = "databases"
	blocksPerRAMUnit = 128 // scan look-ahead blocks per --ram-usage unit (one unit is nominally ~128 MiB)
	blocksSubdirName = "blocks"
)

// ConfigError is a fatal startup error per spec.md section 7: bad CLI
// argument or a path that cannot be resolved. The supervisor never
// reaches Initializing when one of these is returned.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config is the resolved, validated configuration every component is
// constructed from. Paths are cleaned and ~-expanded (relative paths
// stay relative); DbType and
// RAMUsage/ThreadCount have already been checked against their
// constraints.
type Config struct {
	Testnet bool `long:"testnet" description:"use the test network"`
	Regtest bool `long:"regtest" description:"use the regression test network"`

	Rescan     bool `long:"rescan" description:"clear history sub-dbs and rescan all blocks"`
	Rebuild    bool `long:"rebuild" description:"drop every sub-db and rebuild from headers"`
	RescanSSH  bool `long:"rescanSSH" description:"clear SSH only, for a fast balance rescan"`
	CheckChain bool `long:"checkchain" description:"verify chain integrity and report the checked tx count"`

	DataDir        string `long:"datadir" description:"operational/data directory" toml:"datadir"`
	DbDir          string `long:"dbdir" description:"KV store directory (default: datadir/databases)" toml:"dbdir"`
	SatoshiDataDir string `long:"satoshi-datadir" description:"block-file directory, must end in blocks" toml:"satoshi_datadir"`

	DbType      string `long:"db-type" default:"FULL" description:"index depth: BARE, FULL, or SUPER" toml:"db_type"`
	RAMUsage    int    `long:"ram-usage" default:"8" description:"scan RAM budget, N >= 1, ~128MiB/unit" toml:"ram_usage"`
	ThreadCount int    `long:"thread-count" description:"worker threads, N >= 1, default = hardware concurrency" toml:"thread_count"`

	SpawnID string `long:"spawnId" description:"opaque token required to authorize shutdown" toml:"spawn_id"`

	DebugLevel string `long:"debuglevel" default:"info" description:"btclog level: trace, debug, info, warn, error, critical" toml:"debug_level"`

	ConfigFile string `long:"configfile" description:"path to a TOML config file" no-ini:"true"`

	// Resolved fields, filled in by validate; not part of the flag/toml
	// surface.
	Params        chainparams.Params
	Depth         index.Depth
	BlocksPerUnit int
}

type preConfig struct {
	ConfigFile string `long:"configfile" description:"path to a TOML config file"`
}

// defaultConfigFile is where Load looks for a TOML file when
// --configfile is not given, mirroring lnd's ~/.appname/appname.conf
// convention.
func defaultConfigFile() string {
	return CleanAndExpandPath("~/.blkindexer/blkindexer.conf")
}

// Load runs the two-pass parse: find --configfile (or fall back to the
// default path, silently skipped if absent), decode it as TOML into the
// defaults, then parse argv over the result so flags win over the file.
// It returns a *ConfigError for anything spec.md section 7 calls fatal
// at startup.
func Load(argv []string) (*Config, error) {
	var pre preConfig
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(argv); err != nil {
		return nil, &ConfigError{Field: "args", Msg: err.Error()}
	}

	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(nil); err != nil {
		return nil, &ConfigError{Field: "args", Msg: err.Error()}
	}

	confPath := pre.ConfigFile
	if confPath == "" {
		confPath = defaultConfigFile()
	} else {
		confPath = CleanAndExpandPath(confPath)
	}
	if _, err := os.Stat(confPath); err == nil {
		if _, err := toml.DecodeFile(confPath, cfg); err != nil {
			return nil, &ConfigError{Field: "configfile", Msg: err.Error()}
		}
	}

	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, &ConfigError{Field: "args", Msg: err.Error()}
	}
	cfg.ConfigFile = confPath

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Testnet && c.Regtest {
		return &ConfigError{Field: "network", Msg: "--testnet and --regtest are mutually exclusive"}
	}
	switch {
	case c.Testnet:
		c.Params = chainparams.TestNetParams
	case c.Regtest:
		c.Params = chainparams.RegtestParams
	default:
		c.Params = chainparams.MainNetParams
	}

	if c.DataDir == "" {
		return &ConfigError{Field: "datadir", Msg: "required"}
	}
	c.DataDir = CleanAndExpandPath(c.DataDir)

	if c.DbDir == "" {
		c.DbDir = filepath.Join(c.DataDir, defaultDbDirName)
	} else {
		c.DbDir = CleanAndExpandPath(c.DbDir)
	}

	if c.SatoshiDataDir == "" {
		return &ConfigError{Field: "satoshi-datadir", Msg: "required"}
	}
	c.SatoshiDataDir = CleanAndExpandPath(c.SatoshiDataDir)
	if filepath.Base(c.SatoshiDataDir) != blocksSubdirName {
		c.SatoshiDataDir = filepath.Join(c.SatoshiDataDir, blocksSubdirName)
	}

	depth, ok := index.ParseDepth(c.DbType)
	if !ok {
		return &ConfigError{Field: "db-type", Msg: fmt.Sprintf("must be BARE, FULL, or SUPER, got %q", c.DbType)}
	}
	c.Depth = depth

	if c.RAMUsage < 1 {
		return &ConfigError{Field: "ram-usage", Msg: "must be >= 1"}
	}
	c.BlocksPerUnit = blocksPerRAMUnit

	if c.ThreadCount == 0 {
		c.ThreadCount = runtime.GOMAXPROCS(0)
	}
	if c.ThreadCount < 1 {
		return &ConfigError{Field: "thread-count", Msg: "must be >= 1"}
	}

	return nil
}

// NBlocksLookAhead is the scan batch look-ahead window spec.md section
// 4.F names, derived from --ram-usage per SPEC_FULL section 3.
func (c *Config) NBlocksLookAhead() int {
	return c.RAMUsage * c.BlocksPerUnit
}

// CleanAndExpandPath expands a leading ~ to the user's home directory
// and environment variables, then cleans the result. Taken from the
// same helper btcsuite projects share.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		if u, err := user.Current(); err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
