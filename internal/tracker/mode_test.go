package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetermineMode(t *testing.T) {
	tests := []struct {
		name    string
		visited []string
		want    string
	}{
		{"empty", nil, ModeUnknown},
		{"wingman only", []string{"de_brewery", "de_dogtown", "de_brewery"}, ModeWingman},
		{"competitive only", []string{"de_dust2", "de_mirage"}, ModeCompetitive},
		{"competitive and wingman", []string{"de_dust2", "de_brewery"}, ModeMixedComp},
		{"competitive with legacy", []string{"de_nuke", "de_cache"}, ModeCompetitive},
		{"legacy only", []string{"de_cache", "de_office"}, ModeLegacy},
		{"legacy and wingman", []string{"de_cache", "de_dogtown"}, ModeMixed},
		{"community maps", []string{"aim_map", "awp_lego"}, ModeMixed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineMode(tt.visited))
		})
	}
}
