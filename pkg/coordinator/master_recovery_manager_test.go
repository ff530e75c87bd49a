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
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/leaktest"
	"github.com/keystonedb/keystone/pkg/util/log"
	"github.com/stretchr/testify/require"
)

func TestStartMasterRecoveryWithoutTablets(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	e := newTestEnv(t, 1)

	s := e.addMaster() // no tablets
	e.crash(s)
	e.drain()

	require.True(t, logs.contains("crashed, but it had no tablets"))
	require.Empty(t, e.starter.Starts())
	require.Empty(t, e.mrm.activeRecoveries)
	require.Empty(t, e.mrm.waitingRecoveries)
}

func TestSingleRecoveryFullSuccess(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	e := newTestEnv(t, 1)

	s := e.addMasterWithTablets(2)
	m1 := e.addMaster()
	m2 := e.addMaster()
	e.crash(s)
	e.drain()

	starts := e.starter.Starts()
	require.Len(t, starts, 2)
	require.Equal(t, []cluster.ServerID{m1, m2},
		[]cluster.ServerID{starts[0].Master, starts[1].Master})
	require.Len(t, e.mrm.activeRecoveries, 1)
	require.True(t, logs.contains("starting recovery of server "+s.String()))

	// Tablets were marked RECOVERING when the crash was reported.
	for _, call := range starts {
		tablet, err := e.tabletMap.GetTablet(
			call.Partition[0].TableID, call.Partition[0].StartKeyHash,
			call.Partition[0].EndKeyHash)
		require.NoError(t, err)
		require.Equal(t, cluster.TabletRecovering, tablet.Status)
	}

	rid := starts[0].RecoveryID
	e.mrm.RecoveryMasterFinished(e.ctx, rid, m1,
		[]cluster.RecoveredTablet{recovered(starts[0].Partition[0], m1, 5, 17)}, true)
	e.drain()
	require.Len(t, e.mrm.activeRecoveries, 1)

	e.mrm.RecoveryMasterFinished(e.ctx, rid, m2,
		[]cluster.RecoveredTablet{recovered(starts[1].Partition[0], m2, 8, 0)}, true)
	e.drain()

	// Both tablets are NORMAL under their new owners, with the ctime
	// copied from the reports.
	t1, err := e.tabletMap.GetTablet(
		starts[0].Partition[0].TableID, starts[0].Partition[0].StartKeyHash,
		starts[0].Partition[0].EndKeyHash)
	require.NoError(t, err)
	require.Equal(t, m1, t1.ServerID)
	require.Equal(t, cluster.TabletNormal, t1.Status)
	require.Equal(t, cluster.LogPosition{SegmentID: 5, Offset: 17}, t1.Ctime)

	t2, err := e.tabletMap.GetTablet(
		starts[1].Partition[0].TableID, starts[1].Partition[0].StartKeyHash,
		starts[1].Partition[0].EndKeyHash)
	require.NoError(t, err)
	require.Equal(t, m2, t2.ServerID)
	require.Equal(t, cluster.TabletNormal, t2.Status)
	require.Equal(t, cluster.LogPosition{SegmentID: 8, Offset: 0}, t2.Ctime)

	// The crashed server was removed from the list and the change
	// broadcast exactly once.
	_, err = e.serverList.GetEntry(s)
	require.Error(t, err)
	updates := e.notifier.Updates()
	require.Len(t, updates, 1)
	require.Equal(t, []cluster.ServerID{s}, updates[0].Removed)

	require.Empty(t, e.mrm.activeRecoveries)
	require.Empty(t, e.mrm.waitingRecoveries)
	require.True(t, logs.contains("recovery completed for master "+s.String()))
	require.True(t, logs.contains("done (now 0 active recoveries)"))
}

func TestAdmissionRotationForSameCrashedServer(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	e := newTestEnv(t, 2)

	// The plain masters get the lowest ids, so recovery masters are picked
	// from them and neither a nor b serves as one.
	e.addMaster()
	e.addMaster()
	e.addMaster()
	a := e.addMasterWithTablets(1)
	b := e.addMasterWithTablets(1)

	e.crash(a)
	e.drain()
	// A second crash report for a while its first recovery is active and
	// admission capacity is free: the new recovery is rotated back onto
	// the waiting queue rather than admitted.
	e.crash(a)
	e.drain()
	require.Len(t, e.mrm.activeRecoveries, 1)
	require.Len(t, e.mrm.waitingRecoveries, 1)
	require.True(t, logs.contains("delaying start of recovery of server "+a.String()))
	require.True(t, logs.contains("recoveries blocked waiting for other recoveries"))

	e.crash(b)
	e.drain()

	require.Len(t, e.mrm.activeRecoveries, 2)
	require.Len(t, e.mrm.waitingRecoveries, 1)
	require.Equal(t, a, e.mrm.waitingRecoveries[0].crashedServerID)

	// Finish the first recovery of a; the rotated one is then admitted.
	starts := e.starter.Starts()
	require.Len(t, starts, 2)
	first := starts[0]
	require.Equal(t, a, first.CrashedServerID)
	e.mrm.RecoveryMasterFinished(e.ctx, first.RecoveryID, first.Master,
		[]cluster.RecoveredTablet{recovered(first.Partition[0], first.Master, 1, 0)}, true)
	e.drain()

	require.Len(t, e.mrm.activeRecoveries, 2)
	require.Empty(t, e.mrm.waitingRecoveries)
	var crashedIDs []cluster.ServerID
	for _, r := range e.mrm.activeRecoveries {
		crashedIDs = append(crashedIDs, r.crashedServerID)
	}
	require.ElementsMatch(t, []cluster.ServerID{a, b}, crashedIDs)
}

func TestRecoveryMasterLossDuringRecovery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t, 1)

	s := e.addMasterWithTablets(1)
	e.addMaster()
	m2 := e.addMaster()
	e.crash(s)
	e.drain()

	starts := e.starter.Starts()
	require.Len(t, starts, 1)
	lost := starts[0].Master
	require.Same(t, e.mrm.activeRecoveries[starts[0].RecoveryID],
		e.mrm.tracker.RecoveryFor(lost))

	// The recovery master crashes mid-recovery. The tracker change drives
	// a failure notification; the tablet map is unaffected by this alone.
	require.NoError(t, e.serverList.ServerCrashed(lost))
	e.drain()

	tablet, err := e.tabletMap.GetTablet(
		starts[0].Partition[0].TableID, starts[0].Partition[0].StartKeyHash,
		starts[0].Partition[0].EndKeyHash)
	require.NoError(t, err)
	require.Equal(t, cluster.TabletRecovering, tablet.Status)
	require.Equal(t, s, tablet.ServerID)

	// The failed attempt was re-enqueued and admitted onto the surviving
	// master.
	starts = e.starter.Starts()
	require.Len(t, starts, 2)
	require.Equal(t, m2, starts[1].Master)
	require.NotEqual(t, starts[0].RecoveryID, starts[1].RecoveryID)
	require.Empty(t, e.notifier.Updates())
}

func TestPartialFailureReenqueuesRecovery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	e := newTestEnv(t, 1)

	s := e.addMasterWithTablets(2)
	m1 := e.addMaster()
	m2 := e.addMaster()
	e.crash(s)
	e.drain()

	starts := e.starter.Starts()
	require.Len(t, starts, 2)
	rid := starts[0].RecoveryID
	e.mrm.RecoveryMasterFinished(e.ctx, rid, m1,
		[]cluster.RecoveredTablet{recovered(starts[0].Partition[0], m1, 3, 9)}, true)
	e.mrm.RecoveryMasterFinished(e.ctx, rid, m2, nil, false)
	e.drain()

	require.True(t, logs.contains("a recovery master failed to recover its partition"))
	require.True(t, logs.contains("failed to recover some tablets, rescheduling another recovery"))

	// No membership broadcast for a partial failure; the crashed server
	// stays on the list.
	require.Empty(t, e.notifier.Updates())
	_, err := e.serverList.GetEntry(s)
	require.NoError(t, err)

	// The successful partition was still installed.
	t1, err := e.tabletMap.GetTablet(
		starts[0].Partition[0].TableID, starts[0].Partition[0].StartKeyHash,
		starts[0].Partition[0].EndKeyHash)
	require.NoError(t, err)
	require.Equal(t, m1, t1.ServerID)
	require.Equal(t, cluster.TabletNormal, t1.Status)

	// A follow-up recovery with the same will was admitted.
	require.Len(t, e.mrm.activeRecoveries, 1)
	starts = e.starter.Starts()
	require.Len(t, starts, 4)
	require.NotEqual(t, rid, starts[2].RecoveryID)
	require.Equal(t, s, starts[2].CrashedServerID)
	require.Equal(t, uint64(10), starts[2].MinOpenSegmentID)
}

func TestStrayCompletionReportIsDropped(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	e := newTestEnv(t, 1)

	e.mrm.RecoveryMasterFinished(e.ctx, cluster.RecoveryID(999), 7, nil, true)
	e.drain()

	require.Equal(t, 1, logs.countAtSeverity(log.SeverityError))
	require.True(t, logs.contains("no ongoing recovery with that id"))
	require.Empty(t, e.mrm.activeRecoveries)
	require.Empty(t, e.mrm.waitingRecoveries)
}

func TestRecoveredTabletMissingFromMapIsFatal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	var fatalCode int
	prev := log.SetExitFunc(func(code int) { fatalCode = code })
	defer log.SetExitFunc(prev)

	e := newTestEnv(t, 1)
	s := e.addMasterWithTablets(1)
	e.addMaster()
	e.crash(s)
	e.drain()

	starts := e.starter.Starts()
	require.Len(t, starts, 1)
	tablet := starts[0].Partition[0]
	// The tablet vanishes before the report arrives: a coordinator
	// invariant violation.
	require.NoError(t, e.tabletMap.RemoveTablet(
		tablet.TableID, tablet.StartKeyHash, tablet.EndKeyHash))

	e.mrm.RecoveryMasterFinished(e.ctx, starts[0].RecoveryID, starts[0].Master,
		[]cluster.RecoveredTablet{recovered(tablet, starts[0].Master, 1, 0)}, true)
	e.drain()

	require.Equal(t, 255, fatalCode)
	require.Equal(t, 1, logs.countAtSeverity(log.SeverityFatal))
	require.True(t, logs.contains("cannot install recovered tablet"))
}

func TestDoNotStartRecoveriesKnob(t *testing.T) {
	defer leaktest.AfterTest(t)()
	logs := recordLogs(t)
	log.SetVerbosity(2)
	defer log.SetVerbosity(0)

	e := newTestEnv(t, 1)
	e.mrm.TestingKnobs.DoNotStartRecoveries = true
	s := e.addMasterWithTablets(1)
	e.addMaster()
	e.crash(s)
	e.drain()

	require.True(t, logs.contains("scheduling recovery of master "+s.String()))
	require.True(t, logs.contains("recovery crashedServerId: "+s.String()))
	require.True(t, logs.contains("recovery will: 1 entries in 1 partitions"))
	require.Empty(t, e.starter.Starts())
	require.Empty(t, e.mrm.activeRecoveries)
	require.Empty(t, e.mrm.waitingRecoveries)

	// Tablets were still marked RECOVERING.
	tablets := e.tabletMap.TabletsForTable(uint64(s) * 100)
	require.Len(t, tablets, 1)
	require.Equal(t, cluster.TabletRecovering, tablets[0].Status)
}

func TestStartHaltCycles(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t, 1)

	s := e.addMasterWithTablets(1)
	e.addMaster()

	e.mrm.Start(e.ctx)
	e.mrm.Start(e.ctx) // no-op
	e.crash(s)

	var first startCall
	select {
	case first = <-e.starter.started:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for recovery master start")
	}
	require.Equal(t, s, first.CrashedServerID)

	e.mrm.RecoveryMasterFinished(e.ctx, first.RecoveryID, first.Master,
		[]cluster.RecoveredTablet{recovered(first.Partition[0], first.Master, 2, 4)}, true)

	deadline := time.Now().Add(10 * time.Second)
	for len(e.notifier.Updates()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for membership broadcast")
		}
		time.Sleep(time.Millisecond)
	}

	e.mrm.Halt()
	e.mrm.Halt() // idempotent
	e.mrm.Start(e.ctx)
	e.mrm.Halt()

	require.Len(t, e.notifier.Updates(), 1)
}

func TestRandomizedEventSequences(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t, 3)
	rng := rand.New(rand.NewSource(42))

	// Six dedicated recovery masters that never crash, so an admitted
	// recovery (at most 3 active x 2 partitions) always finds candidates
	// and the failure-retry loop cannot spin without progress.
	for i := 0; i < 6; i++ {
		e.addMaster()
	}
	var crashables []cluster.ServerID
	for i := 0; i < 4; i++ {
		crashables = append(crashables, e.addMasterWithTablets(1+rng.Intn(2)))
	}

	answered := make(map[string]bool)
	key := func(c startCall) string {
		return fmt.Sprintf("%s/%s", c.RecoveryID, c.Master)
	}
	answer := func(c startCall, ok bool) {
		answered[key(c)] = true
		var tablets []cluster.RecoveredTablet
		if ok {
			for _, tablet := range c.Partition {
				tablets = append(tablets, recovered(tablet, c.Master, 1, 0))
			}
		}
		e.mrm.RecoveryMasterFinished(e.ctx, c.RecoveryID, c.Master, tablets, ok)
	}
	unanswered := func() []startCall {
		var pending []startCall
		for _, c := range e.starter.Starts() {
			if !answered[key(c)] {
				pending = append(pending, c)
			}
		}
		return pending
	}

	for step := 0; step < 300; step++ {
		switch rng.Intn(4) {
		case 0:
			id := crashables[rng.Intn(len(crashables))]
			if err := e.serverList.ServerCrashed(id); err != nil {
				continue // already recovered and removed
			}
			require.NoError(t, e.mrm.StartMasterRecovery(e.ctx, id))
		case 1, 2:
			if pending := unanswered(); len(pending) > 0 {
				answer(pending[rng.Intn(len(pending))], true)
			}
		case 3:
			if pending := unanswered(); len(pending) > 0 {
				answer(pending[rng.Intn(len(pending))], false)
			}
		}
		e.drain() // checks the admission invariants after every task
	}

	// Quiesce: answer everything outstanding successfully until no
	// recovery remains.
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "recoveries did not quiesce")
		e.drain()
		pending := unanswered()
		if len(pending) == 0 &&
			len(e.mrm.activeRecoveries) == 0 &&
			len(e.mrm.waitingRecoveries) == 0 {
			break
		}
		for _, c := range pending {
			answer(c, true)
		}
	}

	// No recovery holds a tracker slot once everything has settled.
	available := e.mrm.tracker.MastersAvailableForRecovery()
	require.GreaterOrEqual(t, len(available), 6)
}
