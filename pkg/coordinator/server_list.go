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
	"context"

	"github.com/cockroachdb/errors"
	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/log"
	"github.com/keystonedb/keystone/pkg/util/syncutil"
)

// Entry is the server list's record of one server.
type Entry struct {
	cluster.ServerDetails
	// Will is the pre-computed partitioning of the server's tablets, used
	// if the server has to be recovered. Only masters carry one.
	Will *cluster.Will
	// MinOpenSegmentID is a monotone barrier below which the server's log
	// replicas must not be used during recovery.
	MinOpenSegmentID uint64
}

// MembershipUpdate is the delta produced by a server list mutation,
// broadcast to the cluster so all servers converge on the same view.
type MembershipUpdate struct {
	Version uint64
	Removed []cluster.ServerID
}

// MembershipNotifier broadcasts membership updates to the cluster. The
// transport is pluggable; the coordinator core only needs the send to
// eventually reach all live servers.
type MembershipNotifier interface {
	SendMembershipUpdate(ctx context.Context, update MembershipUpdate, excluded []cluster.ServerID)
}

// LoggingMembershipNotifier logs updates instead of sending them. Used when
// no transport is wired up.
type LoggingMembershipNotifier struct{}

// SendMembershipUpdate implements MembershipNotifier.
func (LoggingMembershipNotifier) SendMembershipUpdate(
	ctx context.Context, update MembershipUpdate, excluded []cluster.ServerID,
) {
	log.Infof(ctx, "membership update version %d: %d server(s) removed",
		update.Version, len(update.Removed))
}

// CoordinatorServerList is the authoritative list of all servers in the
// cluster and their details. Mutations produce membership deltas which are
// pushed into registered trackers and, on request, broadcast cluster-wide.
type CoordinatorServerList struct {
	notifier MembershipNotifier

	mu struct {
		syncutil.RWMutex
		servers  map[cluster.ServerID]*Entry
		trackers []*ServerTracker
		nextID   uint64
		version  uint64
	}
}

// NewCoordinatorServerList returns an empty server list. A nil notifier
// falls back to logging.
func NewCoordinatorServerList(notifier MembershipNotifier) *CoordinatorServerList {
	if notifier == nil {
		notifier = LoggingMembershipNotifier{}
	}
	sl := &CoordinatorServerList{notifier: notifier}
	sl.mu.servers = make(map[cluster.ServerID]*Entry)
	sl.mu.nextID = 1
	return sl
}

// RegisterTracker subscribes a tracker to membership deltas. Servers already
// in the list are replayed to it as additions.
func (sl *CoordinatorServerList) RegisterTracker(t *ServerTracker) {
	sl.mu.Lock()
	sl.mu.trackers = append(sl.mu.trackers, t)
	existing := make([]cluster.ServerDetails, 0, len(sl.mu.servers))
	for _, e := range sl.mu.servers {
		existing = append(existing, e.ServerDetails)
	}
	sl.mu.Unlock()
	for _, details := range existing {
		t.EnqueueChange(details, cluster.ServerAdded)
	}
}

// AddServer enlists a new server and returns its id.
func (sl *CoordinatorServerList) AddServer(
	serviceLocator string, services cluster.ServiceMask,
) cluster.ServerID {
	sl.mu.Lock()
	id := cluster.ServerID(sl.mu.nextID)
	sl.mu.nextID++
	entry := &Entry{ServerDetails: cluster.ServerDetails{
		ServerID:       id,
		ServiceLocator: serviceLocator,
		Services:       services,
		Status:         cluster.ServerUp,
	}}
	sl.mu.servers[id] = entry
	sl.mu.version++
	details := entry.ServerDetails
	trackers := sl.trackersLocked()
	sl.mu.Unlock()
	for _, t := range trackers {
		t.EnqueueChange(details, cluster.ServerAdded)
	}
	return id
}

// SetWill records the will of a master.
func (sl *CoordinatorServerList) SetWill(id cluster.ServerID, will *cluster.Will) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	e, ok := sl.mu.servers[id]
	if !ok {
		return errors.Newf("server %s is not in the server list", id)
	}
	e.Will = will
	return nil
}

// SetMinOpenSegmentID raises the replica barrier of a master. The barrier is
// monotone; attempts to lower it are ignored.
func (sl *CoordinatorServerList) SetMinOpenSegmentID(id cluster.ServerID, segmentID uint64) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	e, ok := sl.mu.servers[id]
	if !ok {
		return errors.Newf("server %s is not in the server list", id)
	}
	if segmentID > e.MinOpenSegmentID {
		e.MinOpenSegmentID = segmentID
	}
	return nil
}

// ServerCrashed marks a server as crashed and pushes the event to trackers.
func (sl *CoordinatorServerList) ServerCrashed(id cluster.ServerID) error {
	sl.mu.Lock()
	e, ok := sl.mu.servers[id]
	if !ok {
		sl.mu.Unlock()
		return errors.Newf("server %s is not in the server list", id)
	}
	if e.Status == cluster.ServerCrashed {
		sl.mu.Unlock()
		return nil
	}
	e.Status = cluster.ServerCrashed
	details := e.ServerDetails
	trackers := sl.trackersLocked()
	sl.mu.Unlock()
	for _, t := range trackers {
		t.EnqueueChange(details, cluster.ServerCrashedEvent)
	}
	return nil
}

// GetEntry returns a copy of the entry for id.
func (sl *CoordinatorServerList) GetEntry(id cluster.ServerID) (Entry, error) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	e, ok := sl.mu.servers[id]
	if !ok {
		return Entry{}, errors.Newf("server %s is not in the server list", id)
	}
	return *e, nil
}

// Remove drops a server from the list and fills in the update delta to be
// broadcast. The delta's version is assigned by IncrementVersion.
func (sl *CoordinatorServerList) Remove(
	id cluster.ServerID, update *MembershipUpdate,
) error {
	sl.mu.Lock()
	e, ok := sl.mu.servers[id]
	if !ok {
		sl.mu.Unlock()
		return errors.Newf("server %s is not in the server list", id)
	}
	delete(sl.mu.servers, id)
	update.Removed = append(update.Removed, id)
	details := e.ServerDetails
	details.Status = cluster.ServerRemoved
	trackers := sl.trackersLocked()
	sl.mu.Unlock()
	for _, t := range trackers {
		t.EnqueueChange(details, cluster.ServerRemovedEvent)
	}
	return nil
}

// IncrementVersion bumps the membership version and stamps it on the update.
func (sl *CoordinatorServerList) IncrementVersion(update *MembershipUpdate) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.mu.version++
	update.Version = sl.mu.version
}

// SendMembershipUpdate broadcasts an update delta to the cluster, except to
// the excluded servers.
func (sl *CoordinatorServerList) SendMembershipUpdate(
	ctx context.Context, update MembershipUpdate, excluded []cluster.ServerID,
) {
	sl.notifier.SendMembershipUpdate(ctx, update, excluded)
}

// Version returns the current membership version.
func (sl *CoordinatorServerList) Version() uint64 {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.mu.version
}

// Size returns the number of servers in the list.
func (sl *CoordinatorServerList) Size() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.mu.servers)
}

func (sl *CoordinatorServerList) trackersLocked() []*ServerTracker {
	sl.mu.AssertHeld()
	trackers := make([]*ServerTracker, len(sl.mu.trackers))
	copy(trackers, sl.mu.trackers)
	return trackers
}
