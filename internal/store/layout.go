package store

import "path/filepath"

// Layout maps tales, versions and runs to directories on disk
type Layout struct {
	Root string
}

// WorkspaceDir is the live workspace of a tale
func (l Layout) WorkspaceDir(taleID string) string {
	return filepath.Join(l.Root, taleID, "workspace")
}

// VersionDir holds the frozen workspace of a version
func (l Layout) VersionDir(taleID, versionID string) string {
	return filepath.Join(l.Root, taleID, "versions", versionID, "workspace")
}

// RunDir holds the workspace snapshot of a recorded run
func (l Layout) RunDir(taleID, runID string) string {
	return filepath.Join(l.Root, taleID, "runs", runID, "workspace")
}
