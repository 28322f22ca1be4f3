package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fleetkv/fleetkv/fleet/audit"
	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/tenant"
)

func (ds *DistributorServer) haltHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requesterId"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	req := haltRequest{requesterID: body.RequesterID, reply: make(chan struct{})}
	ds.requests <- req
	<-req.reply
	writeJson(w, http.StatusOK, map[string]string{"status": "halting"})
}

func (ds *DistributorServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	keyRange := keyspace.NormalKeys
	if begin := r.FormValue("begin"); begin != "" {
		keyRange.Begin = keyspace.Key(begin)
	}
	if end := r.FormValue("end"); end != "" {
		keyRange.End = keyspace.Key(end)
	}
	shardLimit, _ := strconv.Atoi(r.FormValue("shardLimit"))
	midOnly := r.FormValue("midOnly") == "true"

	req := metricsRequest{r: keyRange, shardLimit: shardLimit, midOnly: midOnly, reply: make(chan distribution.MetricsReply, 1)}
	ds.requests <- req
	writeJson(w, http.StatusOK, <-req.reply)
}

func (ds *DistributorServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UID     string `json:"uid"`
		Payload string `json:"payload"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	if body.UID == "" {
		writeJsonError(w, http.StatusBadRequest, errors.New("snapshot uid required"))
		return
	}
	if err := ds.Distributor.Snapshotter().Snapshot(r.Context(), body.UID, body.Payload); err != nil {
		writeJsonError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"uid": body.UID, "status": "ok"})
}

func (ds *DistributorServer) exclusionCheckHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Addresses []string `json:"addresses"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	req := exclusionCheckRequest{addresses: body.Addresses, reply: make(chan bool, 1)}
	ds.requests <- req
	writeJson(w, http.StatusOK, map[string]bool{"safe": <-req.reply})
}

func (ds *DistributorServer) wigglerStateHandler(w http.ResponseWriter, r *http.Request) {
	req := wigglerStateRequest{reply: make(chan distribution.WigglerStates, 1)}
	ds.requests <- req
	writeJson(w, http.StatusOK, <-req.reply)
}

func (ds *DistributorServer) blobRestoreHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requesterId"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	req := blobRestoreRequest{requesterID: body.RequesterID, reply: make(chan error, 1)}
	ds.requests <- req
	if err := <-req.reply; err != nil {
		status := "CONFLICT_BLOB_RESTORE"
		if errors.Is(err, distribution.ErrSnapshotInProgress) {
			status = "CONFLICT_SNAPSHOT"
		}
		writeJson(w, http.StatusConflict, map[string]string{"status": status, "error": err.Error()})
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

func (ds *DistributorServer) triggerAuditHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type   string `json:"type"`
		Begin  string `json:"begin"`
		End    string `json:"end"`
		Cancel bool   `json:"cancel"`
		ID     uint64 `json:"id"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	auditType := audit.Type(body.Type)

	if body.Cancel {
		if err := ds.Audits.Cancel(r.Context(), auditType, audit.ID(body.ID)); err != nil {
			writeJsonError(w, auditErrorStatus(err), err)
			return
		}
		writeJson(w, http.StatusOK, map[string]uint64{"auditId": body.ID})
		return
	}

	keyRange := keyspace.NewRange(keyspace.Key(body.Begin), keyspace.Key(body.End))
	id, err := ds.Audits.LaunchAudit(r.Context(), keyRange, auditType)
	if err != nil {
		writeJsonError(w, auditErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, map[string]uint64{"auditId": uint64(id)})
}

func auditErrorStatus(err error) int {
	switch {
	case errors.Is(err, audit.ErrExceededRequestLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, distribution.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (ds *DistributorServer) listAuditsHandler(w http.ResponseWriter, r *http.Request) {
	auditType := audit.Type(r.FormValue("type"))
	num, _ := strconv.Atoi(r.FormValue("num"))
	states, err := audit.GetAuditStates(r.Context(), ds.store, auditType, true, num)
	if err != nil {
		writeJsonError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, states)
}

func tenantErrorStatus(err error) int {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrTenantAlreadyExists),
		errors.Is(err, tenant.ErrTenantNotEmpty),
		errors.Is(err, tenant.ErrTenantLocked),
		errors.Is(err, tenant.ErrPrefixAllocatorConflict),
		errors.Is(err, tenant.ErrCreationBlocked):
		return http.StatusConflict
	case tenant.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func clusterTypeFromRequest(s string) tenant.ClusterType {
	switch s {
	case string(tenant.ClusterManagementOfMetacluster):
		return tenant.ClusterManagementOfMetacluster
	case string(tenant.ClusterDataOfMetacluster):
		return tenant.ClusterDataOfMetacluster
	default:
		return tenant.ClusterStandalone
	}
}

func (ds *DistributorServer) tenantCreateHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Group       string `json:"group"`
		ClusterType string `json:"clusterType"`
		ID          *int64 `json:"id"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	entry, err := ds.Tenants.CreateTenant(r.Context(), body.Name, body.Group, clusterTypeFromRequest(body.ClusterType), body.ID)
	if err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, entry)
}

func (ds *DistributorServer) tenantDeleteHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		ExpectedID  *int64 `json:"expectedId"`
		ClusterType string `json:"clusterType"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	if err := ds.Tenants.DeleteTenant(r.Context(), body.Name, body.ExpectedID, clusterTypeFromRequest(body.ClusterType)); err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (ds *DistributorServer) tenantConfigureHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string  `json:"name"`
		Group       *string `json:"group"`
		ClusterType string  `json:"clusterType"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	entry, err := ds.Tenants.ConfigureTenant(r.Context(), body.Name, clusterTypeFromRequest(body.ClusterType),
		func(e tenant.MapEntry) (tenant.MapEntry, error) {
			if body.Group != nil {
				e.TenantGroup = *body.Group
			}
			return e, nil
		})
	if err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, entry)
}

func (ds *DistributorServer) tenantRenameHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldName     string `json:"oldName"`
		NewName     string `json:"newName"`
		ClusterType string `json:"clusterType"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	if err := ds.Tenants.RenameTenant(r.Context(), body.OldName, body.NewName, clusterTypeFromRequest(body.ClusterType)); err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (ds *DistributorServer) tenantLockHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		State       string `json:"state"`
		LockID      string `json:"lockId"`
		ClusterType string `json:"clusterType"`
	}
	if !readJsonBody(w, r, &body) {
		return
	}
	err := ds.Tenants.ChangeLockState(r.Context(), body.Name, tenant.LockState(body.State), body.LockID, clusterTypeFromRequest(body.ClusterType))
	if err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ds *DistributorServer) tenantGetHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := ds.Tenants.GetTenant(r.Context(), r.FormValue("name"))
	if err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	writeJson(w, http.StatusOK, entry)
}

func (ds *DistributorServer) tenantListHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.FormValue("limit"))
	names, ids, err := ds.Tenants.ListTenants(r.Context(), r.FormValue("begin"), r.FormValue("end"), limit)
	if err != nil {
		writeJsonError(w, tenantErrorStatus(err), err)
		return
	}
	type row struct {
		Name string `json:"name"`
		ID   int64  `json:"id"`
	}
	rows := make([]row, 0, len(names))
	for i := range names {
		rows = append(rows, row{Name: names[i], ID: ids[i]})
	}
	writeJson(w, http.StatusOK, rows)
}

func (ds *DistributorServer) tenantsOverQuotaHandler(w http.ResponseWriter, r *http.Request) {
	over, err := ds.Tenants.TenantsOverStorageQuota(r.Context(), func(kr keyspace.KeyRange) int64 {
		reply := ds.Distributor.Metrics(kr, 0, false)
		var total int64
		for _, s := range reply.Shards {
			total += s.Bytes
		}
		return total
	})
	if err != nil {
		writeJsonError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, map[string][]int64{"tenantIds": over})
}
