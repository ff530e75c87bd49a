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
	"strings"
	"testing"

	"github.com/keystonedb/keystone/pkg/base"
	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/log"
	"github.com/keystonedb/keystone/pkg/util/syncutil"
	"github.com/stretchr/testify/require"
)

// startCall records one StartRecoveryMaster invocation.
type startCall struct {
	Master           cluster.ServerID
	RecoveryID       cluster.RecoveryID
	CrashedServerID  cluster.ServerID
	Partition        []cluster.Tablet
	MinOpenSegmentID uint64
}

// fakeStarter records partition assignments and can be told to fail starts
// for specific masters.
type fakeStarter struct {
	mu struct {
		syncutil.Mutex
		starts  []startCall
		failFor map[cluster.ServerID]error
	}
	// started receives one value per recorded call; sized generously so
	// sends never block.
	started chan startCall
}

func newFakeStarter() *fakeStarter {
	s := &fakeStarter{started: make(chan startCall, 128)}
	s.mu.failFor = make(map[cluster.ServerID]error)
	return s
}

func (s *fakeStarter) StartRecoveryMaster(
	ctx context.Context,
	recoveryMasterID cluster.ServerID,
	recoveryID cluster.RecoveryID,
	crashedServerID cluster.ServerID,
	partition []cluster.Tablet,
	minOpenSegmentID uint64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.mu.failFor[recoveryMasterID]; ok {
		return err
	}
	call := startCall{
		Master:           recoveryMasterID,
		RecoveryID:       recoveryID,
		CrashedServerID:  crashedServerID,
		Partition:        partition,
		MinOpenSegmentID: minOpenSegmentID,
	}
	s.mu.starts = append(s.mu.starts, call)
	select {
	case s.started <- call:
	default:
	}
	return nil
}

func (s *fakeStarter) Starts() []startCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]startCall(nil), s.mu.starts...)
}

func (s *fakeStarter) failMaster(id cluster.ServerID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.failFor[id] = err
}

// logRecorder captures log entries emitted while a test runs.
type logRecorder struct {
	mu struct {
		syncutil.Mutex
		entries []log.Entry
	}
}

func recordLogs(t *testing.T) *logRecorder {
	r := &logRecorder{}
	cleanup := log.Intercept(func(e log.Entry) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.mu.entries = append(r.mu.entries, e)
	})
	t.Cleanup(cleanup)
	return r
}

func (r *logRecorder) entries() []log.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]log.Entry(nil), r.mu.entries...)
}

func (r *logRecorder) contains(substr string) bool {
	for _, e := range r.entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (r *logRecorder) countAtSeverity(sev log.Severity) int {
	var n int
	for _, e := range r.entries() {
		if e.Severity == sev {
			n++
		}
	}
	return n
}

// testEnv assembles a coordinator whose task queue is driven synchronously
// by the test.
type testEnv struct {
	t          *testing.T
	ctx        context.Context
	notifier   *recordingNotifier
	serverList *CoordinatorServerList
	tabletMap  *TabletMap
	starter    *fakeStarter
	mrm        *MasterRecoveryManager
}

func newTestEnv(t *testing.T, maxActiveRecoveries int) *testEnv {
	e := &testEnv{
		t:        t,
		ctx:      context.Background(),
		notifier: &recordingNotifier{},
		starter:  newFakeStarter(),
	}
	e.serverList = NewCoordinatorServerList(e.notifier)
	e.tabletMap = NewTabletMap()
	e.mrm = NewMasterRecoveryManager(
		base.Config{MaxActiveRecoveries: maxActiveRecoveries},
		e.serverList, e.tabletMap, e.starter)
	return e
}

// drain runs queued tasks until the queue is idle, checking the admission
// invariants after every task.
func (e *testEnv) drain() {
	for i := 0; e.mrm.taskQueue.PerformTask(e.ctx); i++ {
		if i > 10000 {
			e.t.Fatal("task queue did not quiesce")
		}
		e.checkInvariants()
	}
}

// checkInvariants asserts the admission bound and per-crashed-server
// uniqueness over the active set.
func (e *testEnv) checkInvariants() {
	require.LessOrEqual(e.t, len(e.mrm.activeRecoveries), e.mrm.maxActiveRecoveries)
	seen := make(map[cluster.ServerID]cluster.RecoveryID)
	for id, r := range e.mrm.activeRecoveries {
		if prev, ok := seen[r.crashedServerID]; ok {
			e.t.Fatalf("recoveries %s and %s both active for crashed server %s",
				prev, id, r.crashedServerID)
		}
		seen[r.crashedServerID] = id
	}
}

// addMaster enlists a master with no tablets.
func (e *testEnv) addMaster() cluster.ServerID {
	id := e.serverList.AddServer("tcp:test", cluster.MasterService|cluster.BackupService)
	e.drain() // apply the tracker's add event
	return id
}

// addMasterWithTablets enlists a master owning one tablet per partition and
// installs the tablets and the will.
func (e *testEnv) addMasterWithTablets(numPartitions int) cluster.ServerID {
	id := e.addMaster()
	will := &cluster.Will{}
	for p := 0; p < numPartitions; p++ {
		tablet := makeTablet(uint64(id)*100+uint64(p), 0, ^uint64(0), id)
		e.tabletMap.AddTablet(tablet)
		will.Entries = append(will.Entries, cluster.WillEntry{
			Tablet:      tablet,
			PartitionID: uint64(p),
		})
	}
	require.NoError(e.t, e.serverList.SetWill(id, will))
	require.NoError(e.t, e.serverList.SetMinOpenSegmentID(id, 10))
	return id
}

// crash marks a server crashed in the server list and reports the crash to
// the recovery manager, as the coordinator's failure detector would.
func (e *testEnv) crash(id cluster.ServerID) {
	require.NoError(e.t, e.serverList.ServerCrashed(id))
	require.NoError(e.t, e.mrm.StartMasterRecovery(e.ctx, id))
}

// recovered builds the completion report entry for a tablet reassigned to
// master.
func recovered(
	tablet cluster.Tablet, master cluster.ServerID, headID, headOffset uint64,
) cluster.RecoveredTablet {
	return cluster.RecoveredTablet{
		TableID:            tablet.TableID,
		StartKeyHash:       tablet.StartKeyHash,
		EndKeyHash:         tablet.EndKeyHash,
		ServerID:           master,
		CtimeLogHeadID:     headID,
		CtimeLogHeadOffset: headOffset,
	}
}
