package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// configRepr is pgmsend's TOML config shape, grounded on
// cmd/dnsproxy/config.go's configRepr/newConfigRepr pattern.
type configRepr struct {
	GSI      string `toml:"gsi"`
	SrcPort  int    `toml:"src_port"`
	Group    string `toml:"group"`
	DstPort  int    `toml:"dst_port"`
	Iface    string `toml:"interface"`
	UDPEncap bool   `toml:"udp_encap"`

	MaxTSDU      int `toml:"max_tsdu"`
	AmbientSPMMs int `toml:"ambient_spm_ms"`

	FEC struct {
		Enabled  bool `toml:"enabled"`
		DataK    int  `toml:"data_k"`
		ParityH  int  `toml:"parity_h"`
		OnDemand bool `toml:"on_demand"`
	} `toml:"fec"`

	RateLimit struct {
		BytesPerSec int `toml:"bytes_per_sec"`
		Burst       int `toml:"burst"`
	} `toml:"rate_limit"`
}

func newConfigRepr(fpath string) (*configRepr, error) {
	var conf configRepr
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if conf.MaxTSDU == 0 {
		conf.MaxTSDU = 1400
	}
	if conf.AmbientSPMMs == 0 {
		conf.AmbientSPMMs = 1000
	}
	return &conf, nil
}

func (c *configRepr) ambientSPM() time.Duration {
	return time.Duration(c.AmbientSPMMs) * time.Millisecond
}
