// Copyright 2026 The Keystone Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package coordinator

import (
	"sort"

	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/syncutil"
)

// serverChange is one buffered membership delta.
type serverChange struct {
	details cluster.ServerDetails
	event   cluster.ServerChangeEvent
}

type trackerEntry struct {
	details cluster.ServerDetails
	// recovery is the Recovery currently using this server as a recovery
	// master, if any. Owned by the recovery manager's worker.
	recovery *Recovery
}

// ServerTracker mirrors the coordinator server list for the recovery
// manager. The server list pushes membership deltas into the tracker;
// GetChange drains them, updating the tracker's own view of the membership
// as a side effect. Each tracked server carries a pointer slot associating
// it with the Recovery currently using it as a recovery master.
//
// The change buffer is filled from the server list's caller and drained on
// the recovery manager's worker, so the tracker carries its own lock; the
// pointer slots are only ever touched from the worker.
type ServerTracker struct {
	mu struct {
		syncutil.Mutex
		changes []serverChange
		servers map[cluster.ServerID]*trackerEntry
	}
	// changesEnqueued is invoked after each delta is pushed; the recovery
	// manager binds it to trackerChangesEnqueued.
	changesEnqueued func()
}

// NewServerTracker returns an empty tracker. The callback fires every time a
// change is enqueued and may be nil.
func NewServerTracker(changesEnqueued func()) *ServerTracker {
	t := &ServerTracker{changesEnqueued: changesEnqueued}
	t.mu.servers = make(map[cluster.ServerID]*trackerEntry)
	return t
}

// EnqueueChange buffers a membership delta and fires the change callback.
func (t *ServerTracker) EnqueueChange(
	details cluster.ServerDetails, event cluster.ServerChangeEvent,
) {
	t.mu.Lock()
	t.mu.changes = append(t.mu.changes, serverChange{details: details, event: event})
	t.mu.Unlock()
	if t.changesEnqueued != nil {
		t.changesEnqueued()
	}
}

// GetChange pops the next buffered delta, applying it to the tracker's view
// of the membership. Returns false if no changes are pending.
func (t *ServerTracker) GetChange() (cluster.ServerDetails, cluster.ServerChangeEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.mu.changes) == 0 {
		return cluster.ServerDetails{}, 0, false
	}
	c := t.mu.changes[0]
	t.mu.changes = t.mu.changes[1:]
	switch c.event {
	case cluster.ServerAdded:
		t.mu.servers[c.details.ServerID] = &trackerEntry{details: c.details}
	case cluster.ServerCrashedEvent:
		if e, ok := t.mu.servers[c.details.ServerID]; ok {
			e.details.Status = cluster.ServerCrashed
		}
	case cluster.ServerRemovedEvent:
		// The entry is retained so the recovery pointer slot stays
		// readable while the removal is being processed; the server is
		// no longer eligible for selection.
		if e, ok := t.mu.servers[c.details.ServerID]; ok {
			e.details.Status = cluster.ServerRemoved
		}
	}
	return c.details, c.event, true
}

// RecoveryFor returns the Recovery associated with serverID, or nil.
func (t *ServerTracker) RecoveryFor(serverID cluster.ServerID) *Recovery {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.mu.servers[serverID]; ok {
		return e.recovery
	}
	return nil
}

// SetRecoveryFor associates serverID with a Recovery (nil clears the slot).
// No-op for servers the tracker has not seen.
func (t *ServerTracker) SetRecoveryFor(serverID cluster.ServerID, r *Recovery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.mu.servers[serverID]; ok {
		e.recovery = r
	}
}

// MastersAvailableForRecovery returns the ids of servers that run the master
// service, are up, and are not already acting as a recovery master, in
// ascending id order.
func (t *ServerTracker) MastersAvailableForRecovery() []cluster.ServerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []cluster.ServerID
	for id, e := range t.mu.servers {
		if e.details.Status == cluster.ServerUp &&
			e.details.Services.Has(cluster.MasterService) &&
			e.recovery == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumPendingChanges returns the number of undrained deltas.
func (t *ServerTracker) NumPendingChanges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.changes)
}
