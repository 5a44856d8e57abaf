// Package system describes the host the toolchain runs on.
package system

import (
	"github.com/elastic/go-sysinfo"

	"github.com/docker/gguf-my-repo/pkg/gpuinfo"
	"github.com/docker/gguf-my-repo/pkg/logging"
)

// Info is a snapshot of the host's resources. Zero values mean unknown.
type Info struct {
	Hostname        string         `json:"hostname"`
	OS              string         `json:"os"`
	TotalMemory     uint64         `json:"total_memory"`
	AvailableMemory uint64         `json:"available_memory"`
	GPUs            []gpuinfo.Card `json:"gpus"`
	// ImatrixGPULayers is the detected -ngl default for llama-imatrix.
	ImatrixGPULayers int `json:"imatrix_gpu_layers"`
}

// Probe gathers host information, logging what could not be read.
func Probe(log logging.Logger, gpuInfo *gpuinfo.GPUInfo) Info {
	var info Info
	host, err := sysinfo.Host()
	if err != nil {
		log.Warnf("Could not read host info: %s", err)
	} else {
		hi := host.Info()
		info.Hostname = hi.Hostname
		if hi.OS != nil {
			info.OS = hi.OS.Name + " " + hi.OS.Version
		}
		mem, err := host.Memory()
		if err != nil {
			log.Warnf("Could not read host RAM size: %s", err)
		} else {
			info.TotalMemory = mem.Total
			info.AvailableMemory = mem.Available
			log.Infof("Running on system with %d MB RAM", mem.Total/1024/1024)
		}
	}

	if gpuInfo == nil {
		return info
	}
	if info.GPUs, err = gpuInfo.Cards(); err != nil {
		log.Warnf("Could not detect GPUs: %s", err)
	}
	if info.ImatrixGPULayers, err = gpuInfo.ImatrixGPULayers(); err == nil {
		log.Infof("Found %d graphics cards, offloading %d layers during imatrix generation", len(info.GPUs), info.ImatrixGPULayers)
	}
	return info
}
