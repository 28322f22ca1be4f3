package command

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/metastore"
	"github.com/fleetkv/fleetkv/fleet/server"
	"github.com/fleetkv/fleetkv/fleet/stats"
	"github.com/fleetkv/fleetkv/fleet/util"
)

func init() {
	cmdDistributor.Run = runDistributor // break init cycle
}

var cmdDistributor = &Command{
	UsageLine: "distributor -port=9433",
	Short:     "start the data distributor",
	Long: `start the data distributor: the singleton control-plane component
  that decides where each range of keys lives across the storage fleet,
  runs storage audits, and serves the tenant lifecycle API.

  `,
}

var (
	dport          = cmdDistributor.Flag.Int("port", 9433, "http listen port")
	dBindIp        = cmdDistributor.Flag.String("ip.bind", "0.0.0.0", "ip address to bind to")
	dMetricsPort   = cmdDistributor.Flag.Int("metricsPort", 0, "Prometheus metrics listen port")
	dTLogs         = cmdDistributor.Flag.String("tlogs", "", "comma separated transaction log addresses")
	dCoordinators  = cmdDistributor.Flag.String("coordinators", "", "comma separated coordinator addresses")
	dDisableTenant = cmdDistributor.Flag.Bool("disableTenants", false, "turn off the tenant API surface")
)

func runDistributor(cmd *Command, args []string) bool {
	util.LoadConfiguration("distributor", false)
	knobs := distribution.DefaultKnobs()

	store := metastore.NewStore()

	option := &server.DistributorOption{
		DisableTenants: *dDisableTenant,
	}
	if *dTLogs != "" {
		option.TLogs = strings.Split(*dTLogs, ",")
	}
	if *dCoordinators != "" {
		option.Coordinators = strings.Split(*dCoordinators, ",")
	}

	r := mux.NewRouter()
	ds := server.NewDistributorServer(r, store, knobs, option)

	if *dMetricsPort != 0 {
		stats.StartMetricsServer(*dBindIp + ":" + strconv.Itoa(*dMetricsPort))
	}

	listeningAddress := *dBindIp + ":" + strconv.Itoa(*dport)
	glog.V(0).Infoln("Start FleetKV Distributor", util.Version(), "at", listeningAddress)

	httpServer := &http.Server{
		Addr:              listeningAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("distributor http server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		glog.V(0).Infoln("shutting down distributor")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := ds.Run(ctx); err != nil && ctx.Err() == nil {
		glog.Errorf("distributor exited: %v", err)
		return false
	}
	return true
}
