// Command pgmsend is a demo PGM sender: it reads lines from stdin and
// pushes each as one APDU. Grounded on cmd/dnsproxy/main.go's
// _main/stackTracer error-unwinding shape and flag.StringVar("-c", ...)
// config-path convention.
package main

import (
	"bufio"
	"flag"
	"net"
	"os"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/pgmproto/pgm"
	"github.com/pgmproto/pgm/pgmrate"
	"github.com/pgmproto/pgm/pgmsock"
)

func main() {
	if err := _main(); err != nil {
		defer os.Exit(1)
		var st errors.StackTrace
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		if e, ok := err.(stackTracer); ok {
			st = e.StackTrace()
		}
		glog.Errorf("%s%+v\n", err, st)
	}
}

func _main() error {
	var configFile string
	flag.StringVar(&configFile, "c", "./pgmsend.toml", "path of config file")
	flag.Parse()

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	var gsi pgm.GSI
	copy(gsi[:], []byte(conf.GSI))
	tsi := pgm.TSI{GSI: gsi, SPort: uint16(conf.SrcPort)}

	group := net.ParseIP(conf.Group)
	if group == nil {
		return errors.Errorf("invalid group address %q", conf.Group)
	}

	cfg := pgm.DefaultConfig()
	cfg.MaxTSDU = uint32(conf.MaxTSDU)
	cfg.AmbientSPMIvl = conf.ambientSPM()
	cfg.FECEnabled = conf.FEC.Enabled
	cfg.FECDataK = conf.FEC.DataK
	cfg.FECParityH = conf.FEC.ParityH
	cfg.FECOnDemand = conf.FEC.OnDemand
	cfg.RateLimitBytesPerSec = conf.RateLimit.BytesPerSec
	cfg.RateLimitBurst = conf.RateLimit.Burst
	cfg.Group = group
	cfg.SendOnly = true

	transport := pgm.Create(tsi, cfg)

	var sock pgmsock.Socket
	if conf.UDPEncap {
		sock, err = pgmsock.NewUDPSocket(net.IPv4zero, conf.SrcPort)
	} else {
		sock, err = pgmsock.NewRawSocket(net.IPv4zero)
	}
	if err != nil {
		return err
	}
	if err := sock.JoinGroup(group, conf.Iface); err != nil {
		return err
	}

	limiter := pgmrate.New(cfg.RateLimitBytesPerSec, cfg.RateLimitBurst)
	if err := transport.Bind(sock, limiter); err != nil {
		return err
	}
	defer transport.Destroy(nil, true)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		status, err := transport.Send([]byte(line), false)
		if err != nil {
			return err
		}
		glog.V(1).Infof("sent %d bytes, status=%s", len(line), status)
	}
	return scanner.Err()
}
