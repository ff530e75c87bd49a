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
	"sync/atomic"

	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/log"
	"github.com/keystonedb/keystone/pkg/util/taskqueue"
)

// recoveryIDCounter generates monotonically unique recovery ids.
var recoveryIDCounter uint64

// RecoveryOwner is notified by a Recovery as it reaches the end of its
// lifecycle. Both methods are only ever invoked from a task running on the
// owner's task queue.
type RecoveryOwner interface {
	recoveryFinished(ctx context.Context, r *Recovery)
	destroyAndFreeRecovery(ctx context.Context, r *Recovery)
}

// RecoveryMasterStarter hands a partition of a crashed master's will to a
// recovery master. The real implementation fans out RPCs; tests substitute
// fakes.
type RecoveryMasterStarter interface {
	StartRecoveryMaster(
		ctx context.Context,
		recoveryMasterID cluster.ServerID,
		recoveryID cluster.RecoveryID,
		crashedServerID cluster.ServerID,
		partition []cluster.Tablet,
		minOpenSegmentID uint64,
	) error
}

// LoggingRecoveryMasterStarter logs partition assignments instead of issuing
// RPCs. Used when no transport is wired up.
type LoggingRecoveryMasterStarter struct{}

// StartRecoveryMaster implements RecoveryMasterStarter.
func (LoggingRecoveryMasterStarter) StartRecoveryMaster(
	ctx context.Context,
	recoveryMasterID cluster.ServerID,
	recoveryID cluster.RecoveryID,
	crashedServerID cluster.ServerID,
	partition []cluster.Tablet,
	minOpenSegmentID uint64,
) error {
	log.Infof(ctx, "recovery %s: assigning %d tablet(s) of server %s to recovery master %s "+
		"(min open segment id %d)",
		recoveryID, len(partition), crashedServerID, recoveryMasterID, minOpenSegmentID)
	return nil
}

type recoveryPhase int32

const (
	// recoveryNotStarted: constructed, not yet started on the task queue.
	recoveryNotStarted recoveryPhase = iota
	// recoveryInProgress: recovery masters are working on partitions.
	recoveryInProgress
	// recoveryDone: all masters reported (or none could be started); the
	// owner has been told and the final cleanup pass is scheduled.
	recoveryDone
)

// Recovery drives one attempt to restore a crashed master's tablets. It runs
// its own logic as tasks on the recovery manager's task queue: when admitted
// it splits the crashed master's will into partitions and hands each to a
// live recovery master, then waits for the managers' per-master completion
// signals. Once every started master has reported, it notifies its owner via
// recoveryFinished and schedules one final pass that calls
// destroyAndFreeRecovery.
//
// All fields are owned by the task-queue worker.
type Recovery struct {
	taskQueue *taskqueue.TaskQueue
	tracker   *ServerTracker
	owner     RecoveryOwner
	starter   RecoveryMasterStarter

	recoveryID       cluster.RecoveryID
	crashedServerID  cluster.ServerID
	will             *cluster.Will
	minOpenSegmentID uint64

	phase         recoveryPhase
	numPartitions int
	// assignedMasters maps each recovery master still working to the
	// partition it was handed.
	assignedMasters map[cluster.ServerID]uint64
	unfinished      int
	succeeded       int
	failed          int
	// unassigned counts partitions no recovery master could be found for;
	// they stay RECOVERING and force a follow-up recovery.
	unassigned int
}

// NewRecovery constructs a Recovery for crashedServerID. The caller
// schedules it (via the recovery manager's admission policy) when it is
// allowed to start.
func NewRecovery(
	queue *taskqueue.TaskQueue,
	tracker *ServerTracker,
	owner RecoveryOwner,
	starter RecoveryMasterStarter,
	crashedServerID cluster.ServerID,
	will *cluster.Will,
	minOpenSegmentID uint64,
) *Recovery {
	return &Recovery{
		taskQueue:        queue,
		tracker:          tracker,
		owner:            owner,
		starter:          starter,
		recoveryID:       cluster.RecoveryID(atomic.AddUint64(&recoveryIDCounter, 1)),
		crashedServerID:  crashedServerID,
		will:             will,
		minOpenSegmentID: minOpenSegmentID,
		assignedMasters:  make(map[cluster.ServerID]uint64),
	}
}

// ID returns the recovery's unique id.
func (r *Recovery) ID() cluster.RecoveryID {
	return r.recoveryID
}

// CrashedServerID returns the server being recovered.
func (r *Recovery) CrashedServerID() cluster.ServerID {
	return r.crashedServerID
}

// Schedule places the recovery on the task queue for its next step.
func (r *Recovery) Schedule() {
	r.taskQueue.Schedule(r)
}

// Perform implements taskqueue.Task.
func (r *Recovery) Perform(ctx context.Context) {
	switch r.phase {
	case recoveryNotStarted:
		r.phase = recoveryInProgress
		r.startRecoveryMasters(ctx)
		if r.unfinished == 0 {
			r.finish(ctx)
		}
	case recoveryInProgress:
		// Nothing to do; progress is driven by recoveryMasterFinished.
	case recoveryDone:
		r.owner.destroyAndFreeRecovery(ctx, r)
	}
}

// startRecoveryMasters hands each partition of the will to an available
// master. Partitions that cannot be started count against the recovery's
// success.
func (r *Recovery) startRecoveryMasters(ctx context.Context) {
	r.numPartitions = r.will.NumPartitions()
	if r.numPartitions == 0 {
		log.Warningf(ctx, "recovery %s: will of server %s has no partitions",
			r.recoveryID, r.crashedServerID)
		return
	}
	all := r.tracker.MastersAvailableForRecovery()
	// The crashed server may still look available if its crash event has
	// not drained into the tracker yet.
	candidates := all[:0]
	for _, id := range all {
		if id != r.crashedServerID {
			candidates = append(candidates, id)
		}
	}
	for partition := uint64(0); partition < uint64(r.numPartitions); partition++ {
		if len(candidates) == 0 {
			r.unassigned++
			continue
		}
		master := candidates[0]
		candidates = candidates[1:]
		r.tracker.SetRecoveryFor(master, r)
		r.assignedMasters[master] = partition
		r.unfinished++
		err := r.starter.StartRecoveryMaster(ctx, master, r.recoveryID,
			r.crashedServerID, r.will.Partition(partition), r.minOpenSegmentID)
		if err != nil {
			log.Warningf(ctx, "recovery %s: failed to start recovery master %s "+
				"for partition %d: %v", r.recoveryID, master, partition, err)
			r.tracker.SetRecoveryFor(master, nil)
			delete(r.assignedMasters, master)
			r.unfinished--
			r.failed++
		}
	}
	if r.unassigned > 0 {
		log.Warningf(ctx, "recovery %s: no recovery master available for %d of %d partitions",
			r.recoveryID, r.unassigned, r.numPartitions)
	}
}

// recoveryMasterFinished records the completion report of one recovery
// master. Must be invoked from a task on the queue.
func (r *Recovery) recoveryMasterFinished(
	ctx context.Context, recoveryMasterID cluster.ServerID, successful bool,
) {
	if r.phase == recoveryDone {
		log.Warningf(ctx, "recovery %s: report from recovery master %s after recovery finished; ignoring",
			r.recoveryID, recoveryMasterID)
		return
	}
	if _, ok := r.assignedMasters[recoveryMasterID]; !ok {
		log.Warningf(ctx, "recovery %s: report from server %s which is not one of its recovery masters; ignoring",
			r.recoveryID, recoveryMasterID)
		return
	}
	delete(r.assignedMasters, recoveryMasterID)
	r.tracker.SetRecoveryFor(recoveryMasterID, nil)
	r.unfinished--
	if successful {
		r.succeeded++
	} else {
		r.failed++
	}
	if r.unfinished == 0 && r.phase == recoveryInProgress {
		r.finish(ctx)
	}
}

func (r *Recovery) finish(ctx context.Context) {
	r.phase = recoveryDone
	log.Infof(ctx, "recovery %s of server %s finished: %d of %d partitions recovered",
		r.recoveryID, r.crashedServerID, r.succeeded, r.numPartitions)
	r.owner.recoveryFinished(ctx, r)
	// One more pass on the queue to tear the recovery down after the owner
	// has completed its end-of-recovery work.
	r.Schedule()
}

// WasCompletelySuccessful returns true if every partition of the will was
// recovered.
func (r *Recovery) WasCompletelySuccessful() bool {
	return r.phase == recoveryDone &&
		r.numPartitions > 0 &&
		r.failed == 0 && r.unassigned == 0 &&
		r.succeeded == r.numPartitions
}
