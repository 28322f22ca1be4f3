package distribution

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// TeamCollection maintains, for one region, the set of storage servers and
// the replica teams built from them under the fault-domain policy: one
// server per zone, exactly storageTeamSize servers per team.
type TeamCollection struct {
	mu sync.Mutex

	primary  bool
	region   string
	teamSize int

	servers map[ServerID]StorageServerMeta
	teams   []Team
	// shardLoad counts shards assigned per team key, steering placement
	// toward the least loaded team.
	shardLoad map[string]int

	wiggler *StorageWiggler
}

func NewTeamCollection(region string, primary bool, teamSize int, wiggler *StorageWiggler) *TeamCollection {
	return &TeamCollection{
		primary:   primary,
		region:    region,
		teamSize:  teamSize,
		servers:   map[ServerID]StorageServerMeta{},
		shardLoad: map[string]int{},
		wiggler:   wiggler,
	}
}

func (tc *TeamCollection) IsPrimary() bool { return tc.primary }
func (tc *TeamCollection) Region() string  { return tc.region }

func teamKey(servers []ServerID) string {
	ids := make([]string, len(servers))
	for i, s := range servers {
		ids[i] = string(s)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// AddServer registers a server with the collection and queues it on the
// wiggler.
func (tc *TeamCollection) AddServer(meta StorageServerMeta) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.servers[meta.ID] = meta
	if tc.wiggler != nil {
		tc.wiggler.AddServer(meta.ID, WiggleMetadata{
			CreatedUnix:     float64(meta.CreatedUnix),
			StoreType:       meta.StoreType,
			WrongConfigured: meta.WrongConfigured,
		})
	}
	tc.rebuildTeamsLocked()
}

// RemoveServer drops a server and every team containing it.
func (tc *TeamCollection) RemoveServer(id ServerID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.servers, id)
	if tc.wiggler != nil {
		tc.wiggler.RemoveServer(id)
	}
	tc.rebuildTeamsLocked()
}

// ReportServerFailure marks a server failed; its teams become unhealthy.
func (tc *TeamCollection) ReportServerFailure(id ServerID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	meta, ok := tc.servers[id]
	if !ok {
		return
	}
	meta.Failed = true
	tc.servers[id] = meta
	glog.V(0).Infof("team collection %s: server %s reported failed", tc.region, id)
}

// MarkExcluded flags a server so it receives no new shards.
func (tc *TeamCollection) MarkExcluded(id ServerID, excluded bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	meta, ok := tc.servers[id]
	if !ok {
		return
	}
	meta.Excluded = excluded
	tc.servers[id] = meta
}

// rebuildTeamsLocked forms teams greedily: sort healthy servers by zone,
// then take one server per distinct zone until the team is full. This
// keeps every team fault-domain diverse without enumerating combinations.
func (tc *TeamCollection) rebuildTeamsLocked() {
	var healthy []StorageServerMeta
	for _, s := range tc.servers {
		if s.Healthy() {
			healthy = append(healthy, s)
		}
	}
	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].Zone != healthy[j].Zone {
			return healthy[i].Zone < healthy[j].Zone
		}
		return healthy[i].ID < healthy[j].ID
	})

	byZone := map[string][]StorageServerMeta{}
	var zones []string
	for _, s := range healthy {
		if _, ok := byZone[s.Zone]; !ok {
			zones = append(zones, s.Zone)
		}
		byZone[s.Zone] = append(byZone[s.Zone], s)
	}
	sort.Strings(zones)

	tc.teams = nil
	if len(zones) < tc.teamSize {
		return
	}
	// Round-robin across zones, one server per zone at each depth. Servers
	// left over when a depth cannot fill another team join no team.
	for depth := 0; ; depth++ {
		var candidates []ServerID
		for _, z := range zones {
			if depth < len(byZone[z]) {
				candidates = append(candidates, byZone[z][depth].ID)
			}
		}
		if len(candidates) < tc.teamSize {
			break
		}
		for i := 0; i+tc.teamSize <= len(candidates); i += tc.teamSize {
			team := Team{Servers: append([]ServerID(nil), candidates[i:i+tc.teamSize]...), Primary: tc.primary}
			tc.teams = append(tc.teams, team)
		}
	}
}

// Teams returns a copy of the current team list.
func (tc *TeamCollection) Teams() []Team {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]Team(nil), tc.teams...)
}

// HealthyTeamCount counts teams whose members are all healthy.
func (tc *TeamCollection) HealthyTeamCount(without map[ServerID]bool) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	count := 0
	for _, team := range tc.teams {
		ok := true
		for _, id := range team.Servers {
			meta, present := tc.servers[id]
			if !present || !meta.Healthy() || without[id] {
				ok = false
				break
			}
		}
		if ok {
			count++
		}
	}
	return count
}

// PickDestinationTeam returns the least-loaded healthy team none of whose
// members appear in avoid.
func (tc *TeamCollection) PickDestinationTeam(avoid map[ServerID]bool) (Team, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	bestIdx := -1
	bestLoad := 0
	for i, team := range tc.teams {
		eligible := true
		for _, id := range team.Servers {
			meta, present := tc.servers[id]
			if !present || !meta.Healthy() || avoid[id] {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}
		load := tc.shardLoad[teamKey(team.Servers)]
		if bestIdx < 0 || load < bestLoad {
			bestIdx, bestLoad = i, load
		}
	}
	if bestIdx < 0 {
		return Team{}, fmt.Errorf("region %s: %w", tc.region, ErrDestTeamNotFound)
	}
	team := tc.teams[bestIdx]
	tc.shardLoad[teamKey(team.Servers)]++
	return team, nil
}

// RegisterTeamShard accounts one shard owned by the given servers, so that
// resumed moves keep load accounting accurate.
func (tc *TeamCollection) RegisterTeamShard(servers []ServerID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.shardLoad[teamKey(servers)]++
}

// ReleaseTeamShard drops one shard from a team's load accounting.
func (tc *TeamCollection) ReleaseTeamShard(servers []ServerID) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	key := teamKey(servers)
	if tc.shardLoad[key] > 0 {
		tc.shardLoad[key]--
	}
}

// ServerCount returns the number of registered servers.
func (tc *TeamCollection) ServerCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.servers)
}

// Wiggler exposes the region's storage wiggler.
func (tc *TeamCollection) Wiggler() *StorageWiggler {
	return tc.wiggler
}
