// Package config loads capdump.toml settings for decoding, building and
// serving messages.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/rpc"
	"github.com/wippyai/caprpc/wire"
)

// FileName is the name Find looks for.
const FileName = "capdump.toml"

// Config is the whole file. Keys missing from the file keep their
// defaults.
type Config struct {
	Decode Decode `toml:"decode"`
	Arena  Arena  `toml:"arena"`
	RPC    RPC    `toml:"rpc"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `toml:"-"`
}

// Decode bounds the work spent reading one message.
type Decode struct {
	TraverseLimit uint64 `toml:"traverse-limit"`
	DepthLimit    uint   `toml:"depth-limit"`
	MaxFrameSize  uint64 `toml:"max-frame-size"`
}

// Arena sizes the segments of built messages, in bytes.
type Arena struct {
	SegmentSize    uint32 `toml:"segment-size"`
	MaxSegmentSize uint32 `toml:"max-segment-size"`
}

// RPC holds connection policy.
type RPC struct {
	AbortOnMalformed bool   `toml:"abort-on-malformed"`
	LogLevel         string `toml:"log-level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	lim := wire.DefaultLimits()
	arena := wire.DefaultMultiSegmentOptions()
	return &Config{
		Decode: Decode{
			TraverseLimit: lim.TraverseLimit,
			DepthLimit:    lim.DepthLimit,
			MaxFrameSize:  64 << 20,
		},
		Arena: Arena{
			SegmentSize:    uint32(arena.SegmentSize),
			MaxSegmentSize: uint32(arena.MaxSegmentSize),
		},
		RPC: RPC{LogLevel: "info"},
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "cannot read "+path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.Path = path
	return c, nil
}

// Parse decodes TOML over the defaults. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse error")
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, errors.New(errors.PhaseConfig, errors.KindInvalidData).
			Path(undec[0].String()).
			Detail("unknown key").
			Build()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Find walks up from dir looking for FileName and loads the first one
// found. It returns the defaults when there is none.
func Find(dir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "cannot resolve "+dir)
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks values the loader cannot express as types.
func (c *Config) Validate() error {
	invalid := func(key, detail string, args ...any) error {
		return errors.New(errors.PhaseConfig, errors.KindInvalidData).
			Path(key).
			Detail(detail, args...).
			Build()
	}
	if c.Decode.TraverseLimit == 0 {
		return invalid("decode.traverse-limit", "must be positive")
	}
	if c.Decode.DepthLimit == 0 {
		return invalid("decode.depth-limit", "must be positive")
	}
	if c.Arena.SegmentSize%8 != 0 {
		return invalid("arena.segment-size", "%d is not a multiple of 8", c.Arena.SegmentSize)
	}
	if c.Arena.MaxSegmentSize < c.Arena.SegmentSize {
		return invalid("arena.max-segment-size", "%d is below segment-size %d", c.Arena.MaxSegmentSize, c.Arena.SegmentSize)
	}
	if _, err := zapcore.ParseLevel(c.RPC.LogLevel); err != nil {
		return invalid("rpc.log-level", "%v", err)
	}
	return nil
}

// Limits returns the decode limits.
func (c *Config) Limits() wire.Limits {
	return wire.Limits{TraverseLimit: c.Decode.TraverseLimit, DepthLimit: c.Decode.DepthLimit}
}

// ArenaOptions returns the segment sizes for built messages.
func (c *Config) ArenaOptions() wire.MultiSegmentOptions {
	return wire.MultiSegmentOptions{
		SegmentSize:    wire.Size(c.Arena.SegmentSize),
		MaxSegmentSize: wire.Size(c.Arena.MaxSegmentSize),
	}
}

// Logger builds a production logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.RPC.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ConnOptions returns connection options carrying the decode limits and
// the malformed-message policy.
func (c *Config) ConnOptions(log *zap.Logger) *rpc.Options {
	return &rpc.Options{
		Logger:           log,
		AbortOnMalformed: c.RPC.AbortOnMalformed,
		Limits:           c.Limits(),
	}
}
