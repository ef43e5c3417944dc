// Package config loads the DHT's Configuration (spec.md §3) with
// github.com/spf13/viper, following the way the teacher's cmd/zifd/config.go
// sets defaults and watches the config file for live reload via
// github.com/fsnotify/fsnotify.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// RandomWalkConfig is the randomWalk.* group of spec.md §3.
type RandomWalkConfig struct {
	Enabled         bool
	Interval        time.Duration
	QueriesPerPeriod int
	Delay           time.Duration
}

// Config is the Configuration recognized by the DHT core (spec.md §3).
type Config struct {
	ProtocolId        string
	CloserPeerCount   int // alpha
	BucketSize        int // K
	RandomWalk        RandomWalkConfig
	QueryTimeout      time.Duration
	ConnectionTimeout time.Duration
	RecordTtl         time.Duration
	ProviderTtl       time.Duration
}

// Default returns the configuration spec.md names as defaults
// (closerPeerCount=6, bucketSize=20).
func Default() Config {
	return Config{
		ProtocolId:      "/kad/1.0.0",
		CloserPeerCount: 6,
		BucketSize:      20,
		RandomWalk: RandomWalkConfig{
			Enabled:          true,
			Interval:         5 * time.Minute,
			QueriesPerPeriod: 1,
			Delay:            10 * time.Second,
		},
		QueryTimeout:      60 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		RecordTtl:         36 * time.Hour,
		ProviderTtl:       24 * time.Hour,
	}
}

// v carries the viper instance so that unit tests can construct isolated
// configs without touching viper's process-wide globals.
type Loader struct {
	v *viper.Viper
}

// NewLoader builds a Loader that searches the given paths for a config
// file called name, applying the defaults from Default(). Call Load to read the file
// and populate a Config; the config file is optional — if none is found,
// the defaults stand.
func NewLoader(name string, paths ...string) *Loader {
	v := viper.New()
	v.SetConfigName(name)
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	applyDefaults(v, Default())
	return &Loader{v: v}
}

func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("protocolId", d.ProtocolId)
	v.SetDefault("closerPeerCount", d.CloserPeerCount)
	v.SetDefault("bucketSize", d.BucketSize)
	v.SetDefault("randomWalk.enabled", d.RandomWalk.Enabled)
	v.SetDefault("randomWalk.interval", d.RandomWalk.Interval)
	v.SetDefault("randomWalk.queriesPerPeriod", d.RandomWalk.QueriesPerPeriod)
	v.SetDefault("randomWalk.delay", d.RandomWalk.Delay)
	v.SetDefault("queryTimeout", d.QueryTimeout)
	v.SetDefault("connectionTimeout", d.ConnectionTimeout)
	v.SetDefault("recordTtl", d.RecordTtl)
	v.SetDefault("providerTtl", d.ProviderTtl)
}

// Load reads the config file if present (missing files are not an error —
// the ambient defaults stand) and returns the resulting Config.
func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		log.Debug("config: no config file found, using defaults")
	}
	return l.unmarshal(), nil
}

func (l *Loader) unmarshal() Config {
	v := l.v
	return Config{
		ProtocolId:      v.GetString("protocolId"),
		CloserPeerCount: v.GetInt("closerPeerCount"),
		BucketSize:      v.GetInt("bucketSize"),
		RandomWalk: RandomWalkConfig{
			Enabled:          v.GetBool("randomWalk.enabled"),
			Interval:         v.GetDuration("randomWalk.interval"),
			QueriesPerPeriod: v.GetInt("randomWalk.queriesPerPeriod"),
			Delay:            v.GetDuration("randomWalk.delay"),
		},
		QueryTimeout:      v.GetDuration("queryTimeout"),
		ConnectionTimeout: v.GetDuration("connectionTimeout"),
		RecordTtl:         v.GetDuration("recordTtl"),
		ProviderTtl:       v.GetDuration("providerTtl"),
	}
}

// Watch installs a callback invoked with the freshly reloaded Config every
// time the config file changes on disk, the way cmd/zifd/config.go logs
// and reacts to fsnotify events via viper.OnConfigChange.
func (l *Loader) Watch(onChange func(Config)) {
	l.v.WatchConfig()
	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("config: file changed, reloading")
		onChange(l.unmarshal())
	})
}
