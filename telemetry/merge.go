package telemetry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/hubstream/errors"
)

// mergeSet tracks merged-group membership as an explicit disjoint-set map:
// a device key belongs to at most one group at a time.
type mergeSet struct {
	mu       sync.Mutex
	groups   map[string][]DeviceKey // group id -> ordered members
	memberOf map[DeviceKey]string   // device key -> group id
}

func newMergeSet() *mergeSet {
	return &mergeSet{
		groups:   make(map[string][]DeviceKey),
		memberOf: make(map[DeviceKey]string),
	}
}

// add places members into a new group, removing any prior membership first
// (most-recent-merge wins). Empty leftover groups are dissolved.
func (ms *mergeSet) add(groupID string, members []DeviceKey) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, key := range members {
		ms.removeLocked(key)
	}
	ms.groups[groupID] = append([]DeviceKey(nil), members...)
	for _, key := range members {
		ms.memberOf[key] = groupID
	}
}

// removeLocked detaches a key from its current group, dissolving the group
// if it becomes a singleton or empty. Caller holds ms.mu.
func (ms *mergeSet) removeLocked(key DeviceKey) {
	groupID, ok := ms.memberOf[key]
	if !ok {
		return
	}
	delete(ms.memberOf, key)

	members := ms.groups[groupID]
	for i, m := range members {
		if m == key {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}

	// A merged chart needs at least two sources to mean anything.
	if len(members) < 2 {
		for _, m := range members {
			delete(ms.memberOf, m)
		}
		delete(ms.groups, groupID)
		return
	}
	ms.groups[groupID] = members
}

// release detaches a key from any group it belongs to.
func (ms *mergeSet) release(key DeviceKey) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.removeLocked(key)
}

// dissolve removes a whole group, returning its members.
func (ms *mergeSet) dissolve(groupID string) ([]DeviceKey, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	members, ok := ms.groups[groupID]
	if !ok {
		return nil, false
	}
	for _, m := range members {
		delete(ms.memberOf, m)
	}
	delete(ms.groups, groupID)
	return members, true
}

// members returns the current group membership.
func (ms *mergeSet) members(groupID string) ([]DeviceKey, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.groups[groupID]
	if !ok {
		return nil, false
	}
	return append([]DeviceKey(nil), m...), true
}

// groupFor returns the id of the group containing key, if any.
func (ms *mergeSet) groupFor(key DeviceKey) (string, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	id, ok := ms.memberOf[key]
	return id, ok
}

// Merge creates a merged chart over the named device ports. Underlying
// per-device state is neither mutated nor duplicated by the bookkeeping;
// the returned MergedChartData carries snapshots for immediate rendering.
// A participant already in another group is moved: most-recent-merge wins.
func (s *Store) Merge(keys ...DeviceKey) (*MergedChartData, error) {
	if len(keys) < 2 {
		return nil, errors.WrapInvalid(fmt.Errorf("merge needs at least two devices, got %d", len(keys)),
			"Store", "Merge", "validate members")
	}

	// Dedupe while preserving order.
	seen := make(map[DeviceKey]bool, len(keys))
	members := make([]DeviceKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			members = append(members, k)
		}
	}
	if len(members) < 2 {
		return nil, errors.WrapInvalid(fmt.Errorf("merge needs at least two distinct devices"),
			"Store", "Merge", "validate members")
	}

	groupID := uuid.NewString()
	s.merges.add(groupID, members)

	s.opts.Logger.Info("chart series merged", "group_id", groupID, "members", len(members))
	return s.mergedData(groupID, members), nil
}

// MergedData materializes the current union for a merged group.
func (s *Store) MergedData(groupID string) (*MergedChartData, error) {
	members, ok := s.merges.members(groupID)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrGroupNotFound, "Store", "MergedData", groupID)
	}
	return s.mergedData(groupID, members), nil
}

func (s *Store) mergedData(groupID string, members []DeviceKey) *MergedChartData {
	merged := &MergedChartData{ID: groupID, IsMerged: true}
	for _, key := range members {
		if state, ok := s.DeviceData(key.HubID, key.PortID); ok {
			merged.Sources = append(merged.Sources, state.Chart)
		} else {
			// Member not yet ingested: keep its slot with identity only so
			// the chart can label the pending source.
			merged.Sources = append(merged.Sources, DeviceChartData{
				DeviceID: key.String(),
				HubID:    key.HubID,
				PortID:   key.PortID,
			})
		}
	}
	return merged
}

// Unmerge dissolves a merged group, restoring the constituent devices to
// independent visibility. Source data was never mutated, so the round trip
// is lossless.
func (s *Store) Unmerge(groupID string) ([]DeviceKey, error) {
	members, ok := s.merges.dissolve(groupID)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrGroupNotFound, "Store", "Unmerge", groupID)
	}
	s.opts.Logger.Info("chart series unmerged", "group_id", groupID, "members", len(members))
	return members, nil
}

// GroupFor returns the merged group containing the device port, if any.
func (s *Store) GroupFor(hubID, portID string) (string, bool) {
	return s.merges.groupFor(DeviceKey{HubID: hubID, PortID: portID})
}

// Chart returns the tagged chart variant for a device port: its merged group
// when it belongs to one, otherwise its independent device chart.
func (s *Store) Chart(hubID, portID string) (Chart, error) {
	key := DeviceKey{HubID: hubID, PortID: portID}

	if groupID, ok := s.merges.groupFor(key); ok {
		merged, err := s.MergedData(groupID)
		if err != nil {
			return Chart{}, err
		}
		return Chart{Kind: ChartMerged, Merged: merged}, nil
	}

	state, ok := s.DeviceData(hubID, portID)
	if !ok {
		return Chart{}, errors.WrapInvalid(errors.ErrDeviceNotFound, "Store", "Chart", key.String())
	}
	chart := state.Chart
	return Chart{Kind: ChartDevice, Device: &chart}, nil
}
