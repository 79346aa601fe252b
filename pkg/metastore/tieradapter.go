package metastore

import "context"

// SetMetadata, RecordAccess, and DeleteMetadata let *Store satisfy
// tier.MetadataCollaborator structurally (pkg/tier never imports
// pkg/metastore, so there's nothing to assert against at compile time
// beyond cmd/fsxd's wiring call) so the placement engine can push tier
// migrations and access timestamps back into the metadata store without
// metastore depending on tier's types.

// SetMetadata records a placement decision: path now lives in tier at the
// given size.
func (s *Store) SetMetadata(ctx context.Context, path string, tier string, size int64) error {
	entry, err := s.GetByPath(ctx, path)
	if err != nil {
		return err
	}
	return s.UpdateEntry(ctx, entry.ID, UpdateFilePatch{
		Tier: &tier,
		Size: &size,
	})
}

// RecordAccess stamps path's atime to now, for idle-sweep demotion and
// on-access promotion policies.
func (s *Store) RecordAccess(ctx context.Context, path string) error {
	entry, err := s.GetByPath(ctx, path)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixMilli()
	return s.UpdateEntry(ctx, entry.ID, UpdateFilePatch{
		Atime: &now,
	})
}

// DeleteMetadata removes path's entry entirely.
func (s *Store) DeleteMetadata(ctx context.Context, path string) error {
	entry, err := s.GetByPath(ctx, path)
	if err != nil {
		return err
	}
	return s.DeleteEntry(ctx, entry.ID)
}
