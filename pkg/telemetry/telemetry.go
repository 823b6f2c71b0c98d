// Package telemetry collects the host information reported in each
// heartbeat.
package telemetry

import (
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collect gathers host telemetry for the heartbeat payload. Collection is
// best-effort: a probe that fails is logged and its fields omitted rather
// than failing the whole cycle.
func Collect(agentVersion string) map[string]interface{} {
	t := map[string]interface{}{
		"agentVersion": agentVersion,
	}

	if info, err := host.Info(); err != nil {
		log.Debug().Err(err).Msg("collect host info")
	} else {
		t["hostname"] = info.Hostname
		t["platform"] = info.Platform
		t["osVersion"] = info.PlatformVersion
		t["kernelVersion"] = info.KernelVersion
		t["uptimeSeconds"] = info.Uptime
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Debug().Err(err).Msg("collect memory info")
	} else {
		t["memoryTotal"] = vm.Total
		t["memoryAvailable"] = vm.Available
	}

	return t
}
