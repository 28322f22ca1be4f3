package server

import (
	"context"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/fleetkv/fleetkv/fleet/audit"
	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
	"github.com/fleetkv/fleetkv/fleet/tenant"
)

// DistributorOption configures NewDistributorServer.
type DistributorOption struct {
	TLogs        []string
	Coordinators []string
	// DisableTenants turns off the tenant API surface.
	DisableTenants bool
}

// DistributorServer composes the data distributor, the audit engine, and
// the tenant API behind one admin HTTP surface. Halt, metrics,
// exclusion-check, wiggler-state and blob-restore requests flow through a
// single dispatch loop; each request variant carries its own reply
// channel. The snapshot and tenant over-quota handlers call the
// distributor directly.
type DistributorServer struct {
	option *DistributorOption

	store       *metastore.Store
	Distributor *distribution.Distributor
	Audits      *audit.Manager
	Tenants     *tenant.API

	requests chan ddRequest
}

// ddRequest is the tagged union the dispatch loop consumes.
type ddRequest interface{ isDDRequest() }

type haltRequest struct {
	requesterID string
	reply       chan struct{}
}

type metricsRequest struct {
	r          keyspace.KeyRange
	shardLimit int
	midOnly    bool
	reply      chan distribution.MetricsReply
}

type exclusionCheckRequest struct {
	addresses []string
	reply     chan bool
}

type wigglerStateRequest struct {
	reply chan distribution.WigglerStates
}

type blobRestoreRequest struct {
	requesterID string
	reply       chan error
}

func (haltRequest) isDDRequest()           {}
func (metricsRequest) isDDRequest()        {}
func (exclusionCheckRequest) isDDRequest() {}
func (wigglerStateRequest) isDDRequest()   {}
func (blobRestoreRequest) isDDRequest()    {}

func NewDistributorServer(r *mux.Router, store *metastore.Store, knobs distribution.Knobs, option *DistributorOption) *DistributorServer {
	client := NewHTTPStorageClient(store, option.TLogs, option.Coordinators)
	d := distribution.NewDistributor(store, client, knobs)
	audits := audit.NewManager(store, client, knobs, d.ID, d.Enabled)
	d.SetAuditBootstrap(audits.Bootstrap)

	ds := &DistributorServer{
		option:      option,
		store:       store,
		Distributor: d,
		Audits:      audits,
		Tenants:     tenant.NewAPI(store, knobs.MaxTenantsPerCluster, knobs.TenantTombstoneCleanupInterval, nil),
		requests:    make(chan ddRequest, 64),
	}

	r.HandleFunc("/cluster/dd/halt", ds.haltHandler).Methods("POST")
	r.HandleFunc("/cluster/dd/metrics", ds.metricsHandler).Methods("GET")
	r.HandleFunc("/cluster/dd/snapshot", ds.snapshotHandler).Methods("POST")
	r.HandleFunc("/cluster/dd/exclusion-check", ds.exclusionCheckHandler).Methods("POST")
	r.HandleFunc("/cluster/dd/wiggler", ds.wigglerStateHandler).Methods("GET")
	r.HandleFunc("/cluster/dd/audit", ds.triggerAuditHandler).Methods("POST")
	r.HandleFunc("/cluster/dd/audits", ds.listAuditsHandler).Methods("GET")
	r.HandleFunc("/cluster/dd/blob-restore", ds.blobRestoreHandler).Methods("POST")

	if !option.DisableTenants {
		r.HandleFunc("/tenant/create", ds.tenantCreateHandler).Methods("POST")
		r.HandleFunc("/tenant/delete", ds.tenantDeleteHandler).Methods("POST")
		r.HandleFunc("/tenant/configure", ds.tenantConfigureHandler).Methods("POST")
		r.HandleFunc("/tenant/rename", ds.tenantRenameHandler).Methods("POST")
		r.HandleFunc("/tenant/lock", ds.tenantLockHandler).Methods("POST")
		r.HandleFunc("/tenant/get", ds.tenantGetHandler).Methods("GET")
		r.HandleFunc("/tenant/list", ds.tenantListHandler).Methods("GET")
		r.HandleFunc("/tenant/over-quota", ds.tenantsOverQuotaHandler).Methods("GET")
	}

	return ds
}

// Run starts the distributor and serves the dispatch loop until ctx ends.
func (ds *DistributorServer) Run(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() { runErr <- ds.Distributor.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case err := <-runErr:
			return err
		case req := <-ds.requests:
			ds.dispatch(ctx, req)
		}
	}
}

func (ds *DistributorServer) dispatch(ctx context.Context, req ddRequest) {
	switch r := req.(type) {
	case haltRequest:
		ds.Distributor.Halt(r.requesterID)
		close(r.reply)
	case metricsRequest:
		r.reply <- ds.Distributor.Metrics(r.r, r.shardLimit, r.midOnly)
	case exclusionCheckRequest:
		r.reply <- ds.Distributor.ExclusionSafe(r.addresses)
	case wigglerStateRequest:
		r.reply <- ds.Distributor.WigglerState()
	case blobRestoreRequest:
		r.reply <- ds.Distributor.PrepareBlobRestore(r.requesterID)
	default:
		glog.Errorf("unknown distributor request %T", req)
	}
}
