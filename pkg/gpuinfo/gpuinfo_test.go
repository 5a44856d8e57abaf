package gpuinfo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImatrixGPULayers(t *testing.T) {
	tests := []struct {
		name  string
		cards []Card
		err   error
		want  int
	}{
		{name: "no cards", want: 0},
		{name: "integrated intel", cards: []Card{{Vendor: "Intel Corporation"}}, want: 0},
		{name: "nvidia", cards: []Card{{Vendor: "Intel Corporation"}, {Vendor: "NVIDIA Corporation", Product: "AD102"}}, want: OffloadAllLayers},
		{name: "amd", cards: []Card{{Vendor: "Advanced Micro Devices, Inc. [AMD/ATI]"}}, want: OffloadAllLayers},
		{name: "apple", cards: []Card{{Vendor: "Apple"}}, want: OffloadAllLayers},
		{name: "detection error", err: errors.New("no pci database"), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &GPUInfo{detect: func() ([]Card, error) { return tt.cards, tt.err }}
			got, err := g.ImatrixGPULayers()
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCardsOnHost(t *testing.T) {
	// Detection depends on the host; it must not panic.
	_, _ = New().Cards()
}
