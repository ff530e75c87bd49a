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
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/keystonedb/keystone/pkg/cluster"
	"github.com/keystonedb/keystone/pkg/util/syncutil"
)

// errTabletNotFound marks lookup failures on exact tablet coordinates.
var errTabletNotFound = errors.New("tablet not found")

// IsTabletNotFound returns true if err indicates that no tablet matched the
// requested (table, start, end) coordinates exactly.
func IsTabletNotFound(err error) bool {
	return errors.Is(err, errTabletNotFound)
}

// tabletItem orders tablets by (table id, start key hash) in the map's
// B-tree index.
type tabletItem struct {
	tablet cluster.Tablet
}

func (a *tabletItem) Less(b btree.Item) bool {
	ob := b.(*tabletItem)
	if a.tablet.TableID != ob.tablet.TableID {
		return a.tablet.TableID < ob.tablet.TableID
	}
	return a.tablet.StartKeyHash < ob.tablet.StartKeyHash
}

// TabletMap is the authoritative mapping from tablets to the servers that
// own them.
//
// The recovery manager mutates the map only from its task-queue worker, but
// readers (tablet configuration fetches on behalf of clients) run on
// arbitrary goroutines, so all access is guarded by a read-write mutex.
type TabletMap struct {
	mu struct {
		syncutil.RWMutex
		tree *btree.BTree
	}
}

// NewTabletMap returns an empty tablet map.
func NewTabletMap() *TabletMap {
	m := &TabletMap{}
	m.mu.tree = btree.New(8)
	return m
}

// AddTablet adds a tablet to the map, replacing any existing tablet with the
// same (table id, start key hash).
func (m *TabletMap) AddTablet(tablet cluster.Tablet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.tree.ReplaceOrInsert(&tabletItem{tablet: tablet})
}

// GetTablet returns the tablet with exactly the given coordinates.
func (m *TabletMap) GetTablet(tableID, startKeyHash, endKeyHash uint64) (cluster.Tablet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.mu.tree.Get(&tabletItem{tablet: cluster.Tablet{
		TableID: tableID, StartKeyHash: startKeyHash,
	}})
	if item == nil || item.(*tabletItem).tablet.EndKeyHash != endKeyHash {
		return cluster.Tablet{}, errors.Wrapf(errTabletNotFound,
			"table %d [%#x-%#x]", tableID, startKeyHash, endKeyHash)
	}
	return item.(*tabletItem).tablet, nil
}

// TabletsForTable returns all tablets of a table in key order.
func (m *TabletMap) TabletsForTable(tableID uint64) []cluster.Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tablets []cluster.Tablet
	m.mu.tree.AscendGreaterOrEqual(
		&tabletItem{tablet: cluster.Tablet{TableID: tableID}},
		func(i btree.Item) bool {
			t := i.(*tabletItem).tablet
			if t.TableID != tableID {
				return false
			}
			tablets = append(tablets, t)
			return true
		})
	return tablets
}

// RemoveTablet deletes the tablet with exactly the given coordinates.
func (m *TabletMap) RemoveTablet(tableID, startKeyHash, endKeyHash uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := &tabletItem{tablet: cluster.Tablet{TableID: tableID, StartKeyHash: startKeyHash}}
	item := m.mu.tree.Get(key)
	if item == nil || item.(*tabletItem).tablet.EndKeyHash != endKeyHash {
		return errors.Wrapf(errTabletNotFound,
			"table %d [%#x-%#x]", tableID, startKeyHash, endKeyHash)
	}
	m.mu.tree.Delete(key)
	return nil
}

// SetStatusForServer sets the status of every tablet owned by serverID and
// returns the affected tablets with their new status.
func (m *TabletMap) SetStatusForServer(
	serverID cluster.ServerID, status cluster.TabletStatus,
) []cluster.Tablet {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []cluster.Tablet
	m.mu.tree.Ascend(func(i btree.Item) bool {
		item := i.(*tabletItem)
		if item.tablet.ServerID == serverID {
			item.tablet.Status = status
			affected = append(affected, item.tablet)
		}
		return true
	})
	return affected
}

// ModifyTablet reassigns the tablet with exactly the given coordinates to a
// new owner with a new status and ctime. Returns a tablet-not-found error if
// no entry matches.
func (m *TabletMap) ModifyTablet(
	tableID, startKeyHash, endKeyHash uint64,
	owner cluster.ServerID,
	status cluster.TabletStatus,
	ctime cluster.LogPosition,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.mu.tree.Get(&tabletItem{tablet: cluster.Tablet{
		TableID: tableID, StartKeyHash: startKeyHash,
	}})
	if item == nil || item.(*tabletItem).tablet.EndKeyHash != endKeyHash {
		return errors.Wrapf(errTabletNotFound,
			"table %d [%#x-%#x]", tableID, startKeyHash, endKeyHash)
	}
	t := item.(*tabletItem)
	t.tablet.ServerID = owner
	t.tablet.Status = status
	t.tablet.Ctime = ctime
	return nil
}

// Size returns the number of tablets in the map.
func (m *TabletMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mu.tree.Len()
}
