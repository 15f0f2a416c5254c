// Package config holds the ferry daemon configuration, TOML-encoded on
// disk.
package config

import (
	"encoding"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

type Config struct {
	DataDir string

	Queue     Queue
	Ingest    Ingest
	Aggregate Aggregate
	Broker    Broker
	Oracle    Oracle
}

// Broker configures where closed aggregates are offered. With an empty URL
// aggregates stay closed until offered out of band.
type Broker struct {
	URL string
}

// Queue configures the Redis stream the reducer consumes.
type Queue struct {
	RedisAddr string
	Stream    string
	Group     string

	// BatchSize is how many buffer messages one reduction pass receives
	BatchSize int
	// ReceiveWait bounds how long a receive blocks when the stream is idle
	ReceiveWait Duration
}

// Ingest configures the cargo-side accumulation of incoming pieces.
type Ingest struct {
	// MinFerrySize must be loaded before an ingest ferry may close
	MinFerrySize uint64
	// MaxFerrySize caps one ingest ferry
	MaxFerrySize uint64
}

// Aggregate configures aggregate building.
type Aggregate struct {
	// SectorSize picks the capacity class: one of 2KiB, 8MiB, 512MiB,
	// 32GiB, 64GiB
	SectorSize string
	// MinAggregateSize is the merged-buffer mass required before packing
	MinAggregateSize uint64
}

// Oracle configures the deal reconciler.
type Oracle struct {
	URL      string
	SourceID string
	Interval Duration
}

func Default() *Config {
	return &Config{
		DataDir: "~/.ferry",
		Queue: Queue{
			RedisAddr:   "127.0.0.1:6379",
			Stream:      "ferry/buffers",
			Group:       "reducer",
			BatchSize:   16,
			ReceiveWait: Duration(5 * time.Second),
		},
		Ingest: Ingest{
			MinFerrySize: 16 << 30,
			MaxFerrySize: 60 << 30,
		},
		Aggregate: Aggregate{
			SectorSize:       "32GiB",
			MinAggregateSize: 16 << 30,
		},
		Oracle: Oracle{
			Interval:     Duration(30 * time.Minute),
		},
	}
}

// FromFile loads config from path, with defaults for absent fields.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, xerrors.Errorf("reading config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, xerrors.Errorf("unknown config keys in %s: %v", path, undec)
	}
	return cfg, nil
}

// WriteTo encodes cfg to w in TOML.
func (c *Config) WriteTo(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return nil
}

// WriteFile writes cfg to path in TOML.
func (c *Config) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("creating config %s: %w", path, err)
	}
	defer f.Close() // nolint:errcheck

	return c.WriteTo(f)
}

var (
	_ = encoding.TextMarshaler(Duration(0))
	_ = encoding.TextUnmarshaler(new(Duration))
)

// Duration wraps time.Duration for human-readable TOML ("30m", "5s").
type Duration time.Duration

func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
