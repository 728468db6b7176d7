// Command pgmrecv is a demo PGM receiver: it joins a multicast group
// and writes each reassembled APDU to stdout, one line per APDU.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/pgmproto/pgm"
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
	flag.StringVar(&configFile, "c", "./pgmrecv.toml", "path of config file")
	flag.Parse()

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	group := net.ParseIP(conf.Group)
	if group == nil {
		return errors.Errorf("invalid group address %q", conf.Group)
	}

	cfg := pgm.DefaultConfig()
	cfg.MaxTSDU = uint32(conf.MaxTSDU)
	cfg.PeerExpiryIvl = time.Duration(conf.PeerExpiryMs) * time.Millisecond
	cfg.NAKRBIvl = time.Duration(conf.NAKBackoffMs) * time.Millisecond
	cfg.Group = group
	cfg.RecvOnly = true

	var localTSI pgm.TSI
	transport := pgm.Create(localTSI, cfg)

	var sock pgmsock.Socket
	if conf.UDPEncap {
		sock, err = pgmsock.NewUDPSocket(net.IPv4zero, conf.DstPort)
	} else {
		sock, err = pgmsock.NewRawSocket(net.IPv4zero)
	}
	if err != nil {
		return err
	}
	if err := sock.JoinGroup(group, conf.Iface); err != nil {
		return err
	}
	if err := transport.Bind(sock, nil); err != nil {
		return err
	}
	defer transport.Destroy(nil, false)

	for {
		data, status, err := transport.Recv(false)
		if err != nil {
			return err
		}
		switch status {
		case pgm.StatusReset:
			glog.Warning("pgmrecv: data loss detected")
		case pgm.StatusEof:
			return nil
		case pgm.StatusNormal:
			fmt.Println(string(data))
		}
	}
}
