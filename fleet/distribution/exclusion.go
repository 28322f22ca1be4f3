package distribution

import (
	"github.com/golang/glog"
)

// ExclusionSafetyCheck reports whether the named servers can be removed:
// safe iff every region still has at least two healthy teams with the
// servers gone.
func ExclusionSafetyCheck(addresses []string, collections []*TeamCollection) bool {
	excluded := map[ServerID]bool{}
	for _, tc := range collections {
		tc.mu.Lock()
		for id, meta := range tc.servers {
			for _, addr := range addresses {
				if meta.Address == addr {
					excluded[id] = true
				}
			}
		}
		tc.mu.Unlock()
	}

	for _, tc := range collections {
		remaining := tc.HealthyTeamCount(excluded)
		if remaining < 2 {
			glog.V(0).Infof("exclusion unsafe: region %s would keep %d healthy teams", tc.Region(), remaining)
			return false
		}
	}
	return true
}
