// Command pgmd runs a registry of PGM transports alongside an admin
// diagnostics HTTP endpoint: init the registry, then spin up listener
// goroutines funneled into one error channel.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/pgmproto/pgm"
	"github.com/pgmproto/pgm/pgmhttp"
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

// registryStatsSource adapts pgm.Registry to pgmhttp.StatsSource.
type registryStatsSource struct {
	reg *pgm.Registry
}

func (r *registryStatsSource) List() []pgm.TSI {
	var out []pgm.TSI
	r.reg.Each(func(t *pgm.Transport) {
		out = append(out, t.TSI())
	})
	return out
}

func (r *registryStatsSource) Snapshot(tsi pgm.TSI) (pgmhttp.StatsSnapshot, bool) {
	tr, ok := r.reg.Lookup(tsi)
	if !ok {
		return pgmhttp.StatsSnapshot{}, false
	}
	st := tr.Stats()
	return pgmhttp.StatsSnapshot{
		TSI:              tsi.String(),
		PeerCount:        st.PeerCount,
		CumulativeLosses: st.CumulativeLosses,
		FragmentCount:    st.FragmentCount,
		CksumErrors:      st.CksumErrors,
		MalformedPackets: st.MalformedPackets,
		PacketsDiscarded: st.PacketsDiscarded,
		SampledAt:        time.Now(),
	}, true
}

func _main() error {
	var adminAddr string
	flag.StringVar(&adminAddr, "admin", ":9113", "admin diagnostics listen address")
	flag.Parse()

	reg := pgm.NewRegistry()
	src := &registryStatsSource{reg: reg}
	srv := pgmhttp.NewServer(src, 2*time.Second)

	errCh := pgmhttp.Serve(srv, adminAddr)
	glog.Infof("pgmd: admin endpoint listening on %s", adminAddr)
	return <-errCh
}
