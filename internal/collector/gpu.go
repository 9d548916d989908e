package collector

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RunFunc runs a command and returns its standard output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const nvidiaQuery = "--query-gpu=utilization.gpu,utilization.memory,temperature.gpu,memory.used,memory.total"

// GPU reads the first NVIDIA GPU through nvidia-smi. Without the tool every
// sample is zeros.
type GPU struct {
	run         RunFunc
	timeout     time.Duration
	log         zerolog.Logger
	unavailable atomic.Bool
}

func NewGPU(log zerolog.Logger) *GPU {
	return &GPU{run: runCommand, timeout: 2 * time.Second, log: log}
}

func (*GPU) Name() string { return "gpu" }

func (g *GPU) Sample(ctx context.Context) (Sample, error) {
	if g.unavailable.Load() {
		return zeroGPU(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.run(ctx, "nvidia-smi", nvidiaQuery, "--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			g.unavailable.Store(true)
			g.log.Info().Msg("nvidia-smi not found, GPU stats disabled")
		}
		return zeroGPU(), nil
	}

	s, err := parseNvidiaSMI(out)
	if err != nil {
		g.log.Debug().Err(err).Msg("Unparsable nvidia-smi output")
		return zeroGPU(), nil
	}
	return s, nil
}

func zeroGPU() Sample {
	return Sample{"usage": 0, "temp": 0, "vram_used": 0, "vram_total": 0}
}

// parseNvidiaSMI reads the first line of "9, 8, 27, 2070, 24564".
func parseNvidiaSMI(out []byte) (Sample, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return nil, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	vals := make([]int, 5)
	for _, i := range []int{0, 2, 3, 4} {
		f := strings.TrimSpace(fields[i])
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d %q: %w", i, f, err)
		}
		vals[i] = int(v)
	}
	return Sample{
		"usage":      vals[0],
		"temp":       vals[2],
		"vram_used":  vals[3],
		"vram_total": vals[4],
	}, nil
}
