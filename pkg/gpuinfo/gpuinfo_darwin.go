package gpuinfo

import "runtime"

// detectCards reports the integrated GPU of Apple silicon, which llama.cpp
// uses through Metal.
func detectCards() ([]Card, error) {
	if runtime.GOARCH != "arm64" {
		return nil, nil
	}
	return []Card{{Vendor: "Apple", Product: "Apple silicon"}}, nil
}
