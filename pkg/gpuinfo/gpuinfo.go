// Package gpuinfo detects GPUs that llama.cpp can offload work to.
package gpuinfo

import "strings"

// OffloadAllLayers is the -ngl value that offloads every layer.
const OffloadAllLayers = 99

// Card is a detected graphics card.
type Card struct {
	Vendor  string
	Product string
}

// offloadVendors are the vendors whose cards llama.cpp builds commonly
// support.
var offloadVendors = []string{"nvidia", "advanced micro devices", "amd", "apple"}

// Accelerated reports whether llama.cpp can offload to the card.
func (c Card) Accelerated() bool {
	vendor := strings.ToLower(c.Vendor)
	for _, v := range offloadVendors {
		if strings.HasPrefix(vendor, v) {
			return true
		}
	}
	return false
}

// GPUInfo answers GPU questions for the host.
type GPUInfo struct {
	detect func() ([]Card, error)
}

// New returns a GPUInfo for the host.
func New() *GPUInfo {
	return &GPUInfo{detect: detectCards}
}

// Cards lists the host's graphics cards.
func (g *GPUInfo) Cards() ([]Card, error) {
	return g.detect()
}

// HasAccelerator reports whether the host has a card llama.cpp can use.
func (g *GPUInfo) HasAccelerator() (bool, error) {
	cards, err := g.detect()
	if err != nil {
		return false, err
	}
	for _, c := range cards {
		if c.Accelerated() {
			return true, nil
		}
	}
	return false, nil
}

// ImatrixGPULayers returns the number of layers llama-imatrix should
// offload: all of them with a usable GPU and none otherwise.
func (g *GPUInfo) ImatrixGPULayers() (int, error) {
	ok, err := g.HasAccelerator()
	if err != nil || !ok {
		return 0, err
	}
	return OffloadAllLayers, nil
}
