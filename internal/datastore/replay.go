package datastore

// Replay materializes the state reached by applying deltas on top of a base
// snapshot. It is how servers and tools maintain materialized rows from a
// delta log; the client side uses the same change application, so the two
// can never disagree on the resulting state.
func Replay(base Snapshot, deltas []Delta) (Snapshot, error) {
	scratch := newDatastore(nil, "replay", "replay", RoleOwner)
	if err := scratch.ApplySnapshot(base.Revision, base.Rows); err != nil {
		return Snapshot{}, err
	}
	if _, err := scratch.ApplyDeltas(deltas); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Revision: scratch.rev, Rows: scratch.Snapshot()}, nil
}
