package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name           string
		lockHeld       bool
		snapshotExists bool
		want           State
	}{
		{"lock held, no snapshot", true, false, StateRunning},
		{"lock held, snapshot present", true, true, StateRunning},
		{"lock free, snapshot present", false, true, StateSuspended},
		{"lock free, no snapshot", false, false, StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveState(tt.lockHeld, tt.snapshotExists))
		})
	}
}
