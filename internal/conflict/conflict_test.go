package conflict

import "testing"

func TestCheckConflict(t *testing.T) {
	tests := []struct {
		name         string
		base         string
		remote       string
		wantConflict bool
	}{
		{
			name:         "same version, no conflict",
			base:         "v1",
			remote:       "v1",
			wantConflict: false,
		},
		{
			name:         "different version, conflict",
			base:         "v1",
			remote:       "v2",
			wantConflict: true,
		},
		{
			name:         "both empty, no conflict",
			base:         "",
			remote:       "",
			wantConflict: false,
		},
		{
			name:         "only base empty, conflict",
			base:         "",
			remote:       "v1",
			wantConflict: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckConflict(tt.base, tt.remote)
			if got != tt.wantConflict {
				t.Errorf("CheckConflict(%q, %q) = %v, want %v",
					tt.base, tt.remote, got, tt.wantConflict)
			}
		})
	}
}

func TestVersionDetector(t *testing.T) {
	var d VersionDetector

	if d.Conflicts("", "v9") {
		t.Error("A session without a base version should not conflict")
	}
	if !d.Conflicts("v1", "v2") {
		t.Error("Expected conflict when the remote version moved")
	}
	if d.Conflicts("v2", "v2") {
		t.Error("Expected no conflict on matching versions")
	}
}
