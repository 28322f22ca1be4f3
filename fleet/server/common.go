package server

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
)

// The admin API speaks JSON both ways. Errors always arrive as
// {"error": ...} with a non-2xx status so the CLI tooling decodes every
// reply the same way.

func writeJson(w http.ResponseWriter, httpStatus int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		glog.V(0).Infof("encoding admin reply %T: %v", obj, err)
	}
}

func writeJsonError(w http.ResponseWriter, httpStatus int, err error) {
	writeJson(w, httpStatus, map[string]string{"error": err.Error()})
}

func readJsonBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJsonError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
