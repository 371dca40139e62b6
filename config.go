package quickstep

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// Defaults for the WAL checkpoint triggers.
const (
	DefaultWalLeafCheckpointThreshold = 32
	DefaultWalGlobalRecordThreshold   = 1024
	DefaultWalGlobalByteThreshold     = 512 * 1024
)

// Environment overrides recognised by WithEnvOverrides.
const (
	EnvWalLeafThreshold         = "QUICKSTEP_WAL_LEAF_THRESHOLD"
	EnvWalGlobalRecordThreshold = "QUICKSTEP_WAL_GLOBAL_RECORD_THRESHOLD"
	EnvWalGlobalByteThreshold   = "QUICKSTEP_WAL_GLOBAL_BYTE_THRESHOLD"
)

// Config holds every knob Open understands.
type Config struct {
	// Path names the data file: an existing directory gets quickstep.db
	// inside it, a path without extension gets .db appended, anything else
	// is used verbatim. The WAL sits next to it with extension .wal.
	Path string `json:"path"`

	// InnerNodeUpperBound sizes the inner-node slab, in nodes.
	InnerNodeUpperBound uint32 `json:"inner_node_upper_bound"`

	// LeafUpperBound caps the mapping table, in page ids.
	LeafUpperBound uint64 `json:"leaf_upper_bound"`

	// CacheSizeLg is log2 of the mini-page arena size in bytes.
	CacheSizeLg int `json:"cache_size_lg"`

	WalLeafCheckpointThreshold int `json:"wal_leaf_checkpoint_threshold"`
	WalGlobalRecordThreshold   int `json:"wal_global_record_threshold"`
	WalGlobalByteThreshold     int `json:"wal_global_byte_threshold"`
}

// NewConfig builds a config with default WAL thresholds.
func NewConfig(path string, innerNodeUpperBound uint32, leafUpperBound uint64, cacheSizeLg int) Config {
	return Config{
		Path:                       path,
		InnerNodeUpperBound:        innerNodeUpperBound,
		LeafUpperBound:             leafUpperBound,
		CacheSizeLg:                cacheSizeLg,
		WalLeafCheckpointThreshold: DefaultWalLeafCheckpointThreshold,
		WalGlobalRecordThreshold:   DefaultWalGlobalRecordThreshold,
		WalGlobalByteThreshold:     DefaultWalGlobalByteThreshold,
	}
}

// WithWalThresholds overrides the three checkpoint triggers.
func (c Config) WithWalThresholds(leaf, globalRecords, globalBytes int) Config {
	c.WalLeafCheckpointThreshold = leaf
	c.WalGlobalRecordThreshold = globalRecords
	c.WalGlobalByteThreshold = globalBytes
	return c
}

// WalThresholds reports the effective triggers.
func (c Config) WalThresholds() (leaf, globalRecords, globalBytes int) {
	return c.WalLeafCheckpointThreshold, c.WalGlobalRecordThreshold, c.WalGlobalByteThreshold
}

// WithEnvOverrides applies the QUICKSTEP_WAL_* environment variables.
// Unparseable values are silently ignored.
func (c Config) WithEnvOverrides() Config {
	if v, ok := parseEnvInt(EnvWalLeafThreshold); ok {
		c.WalLeafCheckpointThreshold = v
	}
	if v, ok := parseEnvInt(EnvWalGlobalRecordThreshold); ok {
		c.WalGlobalRecordThreshold = v
	}
	if v, ok := parseEnvInt(EnvWalGlobalByteThreshold); ok {
		c.WalGlobalByteThreshold = v
	}
	return c
}

func parseEnvInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// WithCLIOverrides applies --quickstep-wal-* flags from args, accepting both
// --flag=value and space-separated values. Unknown flags and unparseable
// values are silently ignored.
func (c Config) WithCLIOverrides(args []string) Config {
	fs := pflag.NewFlagSet("quickstep", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	fs.SetOutput(discard{})
	leaf := fs.String("quickstep-wal-leaf-threshold", "", "")
	records := fs.String("quickstep-wal-global-record-threshold", "", "")
	bytes := fs.String("quickstep-wal-global-byte-threshold", "", "")
	if err := fs.Parse(args); err != nil {
		return c
	}
	if v, err := strconv.Atoi(*leaf); err == nil && *leaf != "" && v >= 0 {
		c.WalLeafCheckpointThreshold = v
	}
	if v, err := strconv.Atoi(*records); err == nil && *records != "" && v >= 0 {
		c.WalGlobalRecordThreshold = v
	}
	if v, err := strconv.Atoi(*bytes); err == nil && *bytes != "" && v >= 0 {
		c.WalGlobalByteThreshold = v
	}
	return c
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// LoadConfigFile reads a JSONC config file and overlays it on c. Zero
// fields in the file keep their current values.
func LoadConfigFile(path string, c Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return c, err
	}
	var overlay Config
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return c, err
	}
	if overlay.Path != "" {
		c.Path = overlay.Path
	}
	if overlay.InnerNodeUpperBound != 0 {
		c.InnerNodeUpperBound = overlay.InnerNodeUpperBound
	}
	if overlay.LeafUpperBound != 0 {
		c.LeafUpperBound = overlay.LeafUpperBound
	}
	if overlay.CacheSizeLg != 0 {
		c.CacheSizeLg = overlay.CacheSizeLg
	}
	if overlay.WalLeafCheckpointThreshold != 0 {
		c.WalLeafCheckpointThreshold = overlay.WalLeafCheckpointThreshold
	}
	if overlay.WalGlobalRecordThreshold != 0 {
		c.WalGlobalRecordThreshold = overlay.WalGlobalRecordThreshold
	}
	if overlay.WalGlobalByteThreshold != 0 {
		c.WalGlobalByteThreshold = overlay.WalGlobalByteThreshold
	}
	return c, nil
}

// dataFilePath resolves the configured path to the concrete data file name.
func (c Config) dataFilePath() string {
	path := c.Path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, "quickstep.db")
	}
	if filepath.Ext(path) == "" {
		return path + ".db"
	}
	return path
}

// walFilePath derives the journal name from the data file name.
func (c Config) walFilePath() string {
	data := c.dataFilePath()
	ext := filepath.Ext(data)
	return strings.TrimSuffix(data, ext) + ".wal"
}
