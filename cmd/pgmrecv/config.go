package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// configRepr is the receive-side counterpart of cmd/pgmsend's
// configRepr (sharing its group/interface/encapsulation fields and
// adding receive-only tuning), following cmd/dnsproxy/config.go's layout convention.
type configRepr struct {
	Group   string `toml:"group"`
	DstPort int    `toml:"dst_port"`
	Iface   string `toml:"interface"`
	UDPEncap bool  `toml:"udp_encap"`

	MaxTSDU       int `toml:"max_tsdu"`
	PeerExpiryMs  int `toml:"peer_expiry_ms"`
	NAKBackoffMs  int `toml:"nak_backoff_ms"`
}

func newConfigRepr(fpath string) (*configRepr, error) {
	var conf configRepr
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if conf.MaxTSDU == 0 {
		conf.MaxTSDU = 1400
	}
	if conf.PeerExpiryMs == 0 {
		conf.PeerExpiryMs = 30000
	}
	if conf.NAKBackoffMs == 0 {
		conf.NAKBackoffMs = 50
	}
	return &conf, nil
}
