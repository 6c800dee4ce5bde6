// SPDX-License-Identifier: MIT
package bitint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		n        int
		expected int
	}{
		{-10, 1},
		{0, 1},
		{1, 1},
		{8, 8},
		{100, 128},
		{250, 256},
		{1000, 1024},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d→%d", tt.n, tt.expected), func(t *testing.T) {
			assert.Equal(t, tt.expected, NextPowerOfTwo(tt.n))
		})
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 64, 128, 4096} {
		assert.True(t, IsPowerOfTwo(n), n)
	}
	for _, n := range []int{-8, 0, 3, 100, 250} {
		assert.False(t, IsPowerOfTwo(n), n)
	}
}

