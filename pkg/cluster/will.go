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

import "github.com/cockroachdb/errors"

// WillEntry assigns one tablet of a master's will to a partition.
type WillEntry struct {
	Tablet      Tablet
	PartitionID uint64
}

// Will is the pre-computed partitioning of a master's tablets used to
// distribute recovery work. Partition ids are consecutive starting at 0; no
// empty partition may precede a non-empty one.
type Will struct {
	Entries []WillEntry
}

// NumPartitions returns the number of partitions in the will.
func (w *Will) NumPartitions() int {
	n := uint64(0)
	for _, e := range w.Entries {
		if e.PartitionID+1 > n {
			n = e.PartitionID + 1
		}
	}
	return int(n)
}

// Partition returns the tablets assigned to partition id.
func (w *Will) Partition(id uint64) []Tablet {
	var tablets []Tablet
	for _, e := range w.Entries {
		if e.PartitionID == id {
			tablets = append(tablets, e.Tablet)
		}
	}
	return tablets
}

// Validate checks the partition numbering discipline.
func (w *Will) Validate() error {
	n := w.NumPartitions()
	for id := uint64(0); id < uint64(n); id++ {
		if len(w.Partition(id)) == 0 {
			return errors.Newf("will has empty partition %d before non-empty partitions", id)
		}
	}
	return nil
}
