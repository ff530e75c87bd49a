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

// Package coordinator implements the control plane of a Keystone cluster:
// the authoritative server list and tablet map, and the manager that drives
// recovery of crashed masters.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/keystonedb/keystone/pkg/base"
	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/log"
	"github.com/keystonedb/keystone/pkg/util/taskqueue"
)

// MasterRecoveryManager drives recovery of crashed masters. When a master
// crashes its tablets are marked RECOVERING and a Recovery is enqueued;
// admission promotes waiting recoveries into the active set, bounded by
// MaxActiveRecoveries and by the rule that at most one recovery per crashed
// server may be active at a time.
//
// All mutable state (waiting queue, active set, tracker slots, Recovery
// internals) is touched exclusively from tasks running on the manager's
// single task-queue worker; external callers interact by enqueueing tasks.
type MasterRecoveryManager struct {
	serverList *CoordinatorServerList
	tabletMap  *TabletMap
	taskQueue  *taskqueue.TaskQueue
	tracker    *ServerTracker
	starter    RecoveryMasterStarter

	maxActiveRecoveries int

	// waitingRecoveries and activeRecoveries are owned by the worker.
	waitingRecoveries []*Recovery
	activeRecoveries  map[cluster.RecoveryID]*Recovery

	// started and wg guard the worker goroutine. Start and Halt are
	// serialized by the caller and are not thread-safe.
	started bool
	wg      sync.WaitGroup

	// TestingKnobs customize behavior under test.
	TestingKnobs struct {
		// DoNotStartRecoveries suppresses scheduling of recoveries;
		// restartMasterRecovery emits trace events instead.
		DoNotStartRecoveries bool
	}
}

// NewMasterRecoveryManager creates a manager operating on the given server
// list and tablet map. A nil starter falls back to logging partition
// assignments. Usually just one instance is created as part of the
// coordinator.
func NewMasterRecoveryManager(
	cfg base.Config,
	serverList *CoordinatorServerList,
	tabletMap *TabletMap,
	starter RecoveryMasterStarter,
) *MasterRecoveryManager {
	if starter == nil {
		starter = LoggingRecoveryMasterStarter{}
	}
	m := &MasterRecoveryManager{
		serverList:          serverList,
		tabletMap:           tabletMap,
		taskQueue:           taskqueue.New(),
		starter:             starter,
		maxActiveRecoveries: cfg.MaxActiveRecoveries,
		activeRecoveries:    make(map[cluster.RecoveryID]*Recovery),
	}
	if m.maxActiveRecoveries <= 0 {
		m.maxActiveRecoveries = base.DefaultMaxActiveRecoveries
	}
	m.tracker = NewServerTracker(m.TrackerChangesEnqueued)
	serverList.RegisterTracker(m.tracker)
	return m
}

// Start launches the worker that performs recoveries; it must be called
// before recoveries can make progress. Calling Start on a manager that is
// already started has no effect. Start and Halt are not thread-safe.
func (m *MasterRecoveryManager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	ctx = logtags.AddTag(ctx, "mrm", nil)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.taskQueue.PerformTasksUntilHalt(ctx)
	}()
}

// Halt stops progress on recoveries and joins the worker. Calling Halt on a
// manager that is already halted has no effect. On a manager that was never
// started, Halt halts the task queue, so tasks scheduled afterwards are
// discarded until Start. After Halt, Start may be called again to resume.
func (m *MasterRecoveryManager) Halt() {
	m.taskQueue.Halt()
	if m.started {
		// The worker un-halts the queue when it begins running, which can
		// undo a Halt issued right after Start; halt again until it exits.
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		for waiting := true; waiting; {
			select {
			case <-done:
				waiting = false
			case <-time.After(time.Millisecond):
				m.taskQueue.Halt()
			}
		}
		m.started = false
	}
}

// StartMasterRecovery marks the tablets of a crashed server as RECOVERING
// and enqueues their recovery; actual recovery happens asynchronously. If
// the server owned no tablets no recovery is started.
func (m *MasterRecoveryManager) StartMasterRecovery(
	ctx context.Context, crashedServerID cluster.ServerID,
) error {
	tablets := m.tabletMap.SetStatusForServer(crashedServerID, cluster.TabletRecovering)
	if len(tablets) == 0 {
		log.Infof(ctx, "server %s crashed, but it had no tablets", crashedServerID)
		return nil
	}
	return m.restartMasterRecovery(ctx, crashedServerID)
}

// restartMasterRecovery enqueues recovery of the tablets named by the will
// stored in the server list. It does not mark tablets RECOVERING; see
// StartMasterRecovery for that. The crashed server must be in the server
// list so its will and min open segment id can be determined.
func (m *MasterRecoveryManager) restartMasterRecovery(
	ctx context.Context, crashedServerID cluster.ServerID,
) error {
	entry, err := m.serverList.GetEntry(crashedServerID)
	if err != nil {
		return errors.Wrapf(err, "cannot schedule recovery of server %s", crashedServerID)
	}
	log.Infof(ctx, "scheduling recovery of master %s", crashedServerID)

	if m.TestingKnobs.DoNotStartRecoveries {
		log.VEventf(ctx, 2, "recovery crashedServerId: %s", crashedServerID)
		will := entry.Will
		if will == nil {
			will = &cluster.Will{}
		}
		log.VEventf(ctx, 2, "recovery will: %d entries in %d partitions",
			len(will.Entries), will.NumPartitions())
		return nil
	}

	will := entry.Will
	if will == nil {
		will = &cluster.Will{}
	}
	r := NewRecovery(m.taskQueue, m.tracker, m, m.starter,
		crashedServerID, will, entry.MinOpenSegmentID)
	m.taskQueue.Schedule(&enqueueMasterRecoveryTask{mgr: m, recovery: r})
	return nil
}

// RecoveryMasterFinished schedules the notification of an ongoing Recovery
// that a recovery master finished recovering its partition, successfully or
// not. The actual notification happens asynchronously. Only when successful
// are the recovered tablets applied to the tablet map; recovery masters fill
// in each entry with their own server id, which becomes the tablet's new
// owner.
func (m *MasterRecoveryManager) RecoveryMasterFinished(
	ctx context.Context,
	recoveryID cluster.RecoveryID,
	recoveryMasterID cluster.ServerID,
	recoveredTablets []cluster.RecoveredTablet,
	successful bool,
) {
	log.Infof(ctx, "recovery master %s reported completion of recovery %s with %d tablet(s)",
		recoveryMasterID, recoveryID, len(recoveredTablets))
	m.taskQueue.Schedule(&recoveryMasterFinishedTask{
		mgr:              m,
		recoveryID:       recoveryID,
		recoveryMasterID: recoveryMasterID,
		recoveredTablets: recoveredTablets,
		successful:       successful,
	})
}

// TrackerChangesEnqueued schedules the handling of recovery-master failures
// and the application of membership changes to the tracker. Invoked by the
// server list whenever it pushes pending changes into the tracker.
func (m *MasterRecoveryManager) TrackerChangesEnqueued() {
	m.taskQueue.Schedule(&applyTrackerChangesTask{mgr: m})
}

// recoveryFinished notes a Recovery as finished: either broadcast the
// updated server list with the crashed master removed or, if the recovery
// was not completely successful, schedule a follow-up recovery. Called by a
// Recovery once it has done as much as it can; the Recovery may still
// perform cleanup and calls destroyAndFreeRecovery when it is safe to drop
// it. Must only be called from a task serialized by the queue.
func (m *MasterRecoveryManager) recoveryFinished(ctx context.Context, r *Recovery) {
	log.Infof(ctx, "recovery completed for master %s", r.crashedServerID)
	if r.WasCompletelySuccessful() {
		metricRecoveriesCompleted.WithLabelValues("success").Inc()
		// Remove the recovered server from the server list and broadcast
		// the change to the cluster.
		var update MembershipUpdate
		if err := m.serverList.Remove(r.crashedServerID, &update); err != nil {
			log.Errorf(ctx, "cannot remove recovered server %s from the server list: %v",
				r.crashedServerID, err)
		} else {
			m.serverList.IncrementVersion(&update)
			m.serverList.SendMembershipUpdate(ctx, update, nil)
		}
		m.taskQueue.Schedule(&maybeStartRecoveryTask{mgr: m})
	} else {
		metricRecoveriesCompleted.WithLabelValues("failure").Inc()
		log.Infof(ctx, "recovery of server %s failed to recover some tablets, "+
			"rescheduling another recovery", r.crashedServerID)
		// The enqueue schedules a maybeStartRecoveryTask itself.
		next := NewRecovery(m.taskQueue, m.tracker, m, m.starter,
			r.crashedServerID, r.will, r.minOpenSegmentID)
		m.taskQueue.Schedule(&enqueueMasterRecoveryTask{mgr: m, recovery: next})
	}
}

// destroyAndFreeRecovery drops a finished Recovery and all coordinator
// state associated with it. Invoked by Recovery instances when they have
// outlived their usefulness. Removal from the active set happens only here,
// so a follow-up recovery for the same crashed server cannot be admitted
// until the prior one has fully finished its end-of-recovery broadcast. Must
// only be called from a task serialized by the queue.
func (m *MasterRecoveryManager) destroyAndFreeRecovery(ctx context.Context, r *Recovery) {
	delete(m.activeRecoveries, r.recoveryID)
	metricActiveRecoveries.Set(float64(len(m.activeRecoveries)))
	log.Infof(ctx, "recovery of server %s done (now %d active recoveries)",
		r.crashedServerID, len(m.activeRecoveries))
	// An admission attempt scheduled by recoveryFinished may have run while
	// this recovery was still in the active set; a rotated recovery for the
	// same server needs a fresh attempt now that the slot is free.
	if len(m.waitingRecoveries) > 0 {
		m.taskQueue.Schedule(&maybeStartRecoveryTask{mgr: m})
	}
}

func (m *MasterRecoveryManager) serverAlreadyRecovering(id cluster.ServerID) bool {
	for _, other := range m.activeRecoveries {
		if other.crashedServerID == id {
			return true
		}
	}
	return false
}

// - tasks -

// enqueueMasterRecoveryTask pushes an already-constructed Recovery onto the
// waiting queue and schedules an admission attempt. The Recovery is
// allocated in the caller's thread; all state visible to the manager is
// mutated only inside Perform. One-shot.
type enqueueMasterRecoveryTask struct {
	mgr      *MasterRecoveryManager
	recovery *Recovery
}

func (t *enqueueMasterRecoveryTask) Perform(ctx context.Context) {
	m := t.mgr
	m.waitingRecoveries = append(m.waitingRecoveries, t.recovery)
	metricWaitingRecoveries.Set(float64(len(m.waitingRecoveries)))
	m.taskQueue.Schedule(&maybeStartRecoveryTask{mgr: m})
}

// maybeStartRecoveryTask starts one or more recoveries that were delayed
// waiting for other recoveries to finish. If there are no waiting
// recoveries, or too many are already in progress, it is a no-op. One-shot.
type maybeStartRecoveryTask struct {
	mgr *MasterRecoveryManager
}

func (t *maybeStartRecoveryTask) Perform(ctx context.Context) {
	m := t.mgr
	var alreadyActive []*Recovery
	for len(m.waitingRecoveries) > 0 &&
		len(m.activeRecoveries) < m.maxActiveRecoveries {
		r := m.waitingRecoveries[0]
		m.waitingRecoveries = m.waitingRecoveries[1:]
		// Do not allow two recoveries for the same crashed master at the
		// same time. This can happen if one recovery fails and schedules
		// another; the second may get started before the first finishes.
		if m.serverAlreadyRecovering(r.crashedServerID) {
			alreadyActive = append(alreadyActive, r)
			metricRecoveriesBlocked.Inc()
			log.Infof(ctx, "delaying start of recovery of server %s; "+
				"another recovery is active for the same server id",
				r.crashedServerID)
			continue
		}
		r.Schedule()
		m.activeRecoveries[r.recoveryID] = r
		metricRecoveriesStarted.Inc()
		log.Infof(ctx, "starting recovery of server %s (now %d active recoveries)",
			r.crashedServerID, len(m.activeRecoveries))
	}
	// Rotated recoveries go to the back of the waiting queue, preserving
	// their mutual order, to be retried after an active recovery for the
	// same server completes.
	m.waitingRecoveries = append(m.waitingRecoveries, alreadyActive...)
	metricActiveRecoveries.Set(float64(len(m.activeRecoveries)))
	metricWaitingRecoveries.Set(float64(len(m.waitingRecoveries)))
	if len(m.waitingRecoveries) > 0 {
		log.Infof(ctx, "%d recoveries blocked waiting for other recoveries",
			len(m.waitingRecoveries))
	}
}

// recoveryMasterFinishedTask applies a recovery master's completion report:
// on success the recovered tablets are installed in the tablet map before
// the owning Recovery is notified, so the Recovery's downstream broadcast
// observes the new ownership. One-shot.
type recoveryMasterFinishedTask struct {
	mgr              *MasterRecoveryManager
	recoveryID       cluster.RecoveryID
	recoveryMasterID cluster.ServerID
	recoveredTablets []cluster.RecoveredTablet
	successful       bool
}

func (t *recoveryMasterFinishedTask) Perform(ctx context.Context) {
	m := t.mgr
	r, ok := m.activeRecoveries[t.recoveryID]
	if !ok {
		// A late, duplicate, or spurious report; the Recovery is gone and
		// cannot be notified.
		log.Errorf(ctx, "recovery master %s reported completing recovery %s "+
			"but there is no ongoing recovery with that id",
			t.recoveryMasterID, t.recoveryID)
		return
	}

	if t.successful {
		metricRecoveryMastersFinished.WithLabelValues("success").Inc()
		// Update the tablet map to point at the new owners and mark the
		// tablets as available. The recovery master filled in its own
		// server id; the ctime is the position of its log head at the
		// very start of recovery.
		for _, tablet := range t.recoveredTablets {
			err := m.tabletMap.ModifyTablet(
				tablet.TableID, tablet.StartKeyHash, tablet.EndKeyHash,
				tablet.ServerID, cluster.TabletNormal,
				cluster.LogPosition{
					SegmentID: tablet.CtimeLogHeadID,
					Offset:    tablet.CtimeLogHeadOffset,
				})
			if err != nil {
				// A tablet the manager marked RECOVERING has vanished
				// from the map: a coordinator invariant is violated and
				// proceeding would publish bogus ownership.
				log.Fatalf(ctx, "cannot install recovered tablet "+
					"(table %d [%#x-%#x]) during finalization of recovery %s: %v",
					tablet.TableID, tablet.StartKeyHash, tablet.EndKeyHash,
					t.recoveryID, err)
				return
			}
		}
	} else {
		metricRecoveryMastersFinished.WithLabelValues("failure").Inc()
		log.Warningf(ctx, "a recovery master failed to recover its partition")
	}

	r.recoveryMasterFinished(ctx, t.recoveryMasterID, t.successful)
}

// applyTrackerChangesTask applies all enqueued membership changes to the
// tracker and notifies recoveries which have lost recovery masters, bringing
// the tracker into sync with the server list. Because it runs on the task
// queue it is serialized with all other recovery state mutations. One-shot.
type applyTrackerChangesTask struct {
	mgr *MasterRecoveryManager
}

func (t *applyTrackerChangesTask) Perform(ctx context.Context) {
	m := t.mgr
	for {
		details, event, ok := m.tracker.GetChange()
		if !ok {
			return
		}
		if event != cluster.ServerCrashedEvent && event != cluster.ServerRemovedEvent {
			continue
		}
		r := m.tracker.RecoveryFor(details.ServerID)
		if r == nil {
			return
		}
		// Like it or not, recovery is done on this recovery master, but
		// unsuccessfully.
		r.recoveryMasterFinished(ctx, details.ServerID, false)
	}
}
