package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name              string
		present           bool
		current, expected uint64
		ok                bool
	}{
		{"create absent", false, 0, 0, true},
		{"create present", true, 3, 0, false},
		{"update absent", false, 0, 3, false},
		{"update match", true, 3, 3, true},
		{"update stale", true, 4, 3, false},
		{"stored zero", true, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckVersion(tt.present, tt.current, tt.expected)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCASFailed)
			}
		})
	}
}
