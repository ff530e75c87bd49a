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

package cluster

import "fmt"

// TabletStatus describes the availability of a tablet.
type TabletStatus int32

const (
	// TabletNormal means the tablet is served by its owner.
	TabletNormal TabletStatus = iota
	// TabletRecovering means the tablet's owner crashed and the tablet is
	// unavailable until recovery completes.
	TabletRecovering
)

func (s TabletStatus) String() string {
	switch s {
	case TabletNormal:
		return "NORMAL"
	case TabletRecovering:
		return "RECOVERING"
	}
	return "UNKNOWN"
}

// LogPosition is a position in a master's log: the id of a segment and a
// byte offset within it.
type LogPosition struct {
	SegmentID uint64
	Offset    uint64
}

func (p LogPosition) String() string {
	return fmt.Sprintf("%d.%d", p.SegmentID, p.Offset)
}

// Tablet is a contiguous range of a table's key-hash space and its current
// assignment.
type Tablet struct {
	TableID      uint64
	StartKeyHash uint64
	EndKeyHash   uint64
	ServerID     ServerID
	Status       TabletStatus
	// Ctime is the log position of the owning master's log head when the
	// tablet was assigned to it. Entries appended before this position do
	// not belong to this assignment.
	Ctime LogPosition
}

func (t Tablet) String() string {
	return fmt.Sprintf("tablet %d [%#x-%#x] owner %s status %s ctime %s",
		t.TableID, t.StartKeyHash, t.EndKeyHash, t.ServerID, t.Status, t.Ctime)
}

// RecoveredTablet is one entry of a recovery master's completion report: a
// tablet of the crashed master's will, filled in with the recovery master's
// own id and the log position of its head at the start of recovery.
type RecoveredTablet struct {
	TableID            uint64
	StartKeyHash       uint64
	EndKeyHash         uint64
	ServerID           ServerID
	CtimeLogHeadID     uint64
	CtimeLogHeadOffset uint64
}
