package collector

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

const mb = 1024 * 1024

// CPU reports total and per-core usage, logical core count and, when a
// sensor is found, package temperature.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

func (CPU) Sample(ctx context.Context) (Sample, error) {
	perCore, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return nil, err
	}
	total, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}

	cores := make([]float64, len(perCore))
	for i, c := range perCore {
		cores[i] = round(c, 1)
	}
	s := Sample{
		"usage":      0.0,
		"cores":      cores,
		"core_count": len(perCore),
		"temp":       nil,
	}
	if len(total) > 0 {
		s["usage"] = round(total[0], 1)
	}
	if temp, ok := cpuTemperature(ctx); ok {
		s["temp"] = round(temp, 1)
	}
	return s, nil
}

// cpuSensors are tried in order; boards name the CPU sensor differently.
var cpuSensors = []string{"coretemp", "k10temp", "zenpower", "cpu_thermal", "cpu-thermal"}

func cpuTemperature(ctx context.Context) (float64, bool) {
	// Partial readings arrive together with a warnings error.
	temps, _ := sensors.TemperaturesWithContext(ctx)
	return pickCPUTemperature(temps)
}

func pickCPUTemperature(temps []sensors.TemperatureStat) (float64, bool) {
	for _, prefix := range cpuSensors {
		var first *sensors.TemperatureStat
		for i := range temps {
			t := &temps[i]
			if !strings.HasPrefix(t.SensorKey, prefix) || t.Temperature <= 0 {
				continue
			}
			if first == nil {
				first = t
			}
			key := strings.ToLower(t.SensorKey)
			if strings.Contains(key, "package") || strings.Contains(key, "tdie") || strings.Contains(key, "tctl") {
				return t.Temperature, true
			}
		}
		if first != nil {
			return first.Temperature, true
		}
	}
	return 0, false
}

// Memory reports physical memory in MB.
type Memory struct{}

func (Memory) Name() string { return "ram" }

func (Memory) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return Sample{
		"used":      round(float64(vm.Used)/mb, 0),
		"total":     round(float64(vm.Total)/mb, 0),
		"percent":   round(vm.UsedPercent, 1),
		"available": round(float64(vm.Available)/mb, 0),
	}, nil
}
