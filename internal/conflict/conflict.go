// Package conflict decides whether a save collides with a concurrent write.
package conflict

// CheckConflict compares the version a session last wrote with the version
// currently stored by the provider.
// Returns true if they are different (conflict exists).
func CheckConflict(baseVersionID, remoteVersionID string) bool {
	return baseVersionID != remoteVersionID
}

// VersionDetector flags a conflict whenever the remote version moved past the
// session's base version. A session that has not written anything yet has no
// base and never conflicts.
type VersionDetector struct{}

// Conflicts reports whether remoteVersionID diverges from baseVersionID.
func (VersionDetector) Conflicts(baseVersionID, remoteVersionID string) bool {
	if baseVersionID == "" {
		return false
	}
	return CheckConflict(baseVersionID, remoteVersionID)
}
