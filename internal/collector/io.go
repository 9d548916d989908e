package collector

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/net"
)

// CounterFunc reads a pair of monotonically increasing byte counters.
type CounterFunc func(ctx context.Context) (a, b uint64, err error)

// rate turns successive counter readings into per-second rates. The first
// reading, and any reading after a counter reset, yields zero.
type rate struct {
	mu     sync.Mutex
	clock  clock.Clock
	primed bool
	last   time.Time
	a, b   uint64
}

func (r *rate) update(a, b uint64) (float64, float64) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var ra, rb float64
	if dt := now.Sub(r.last).Seconds(); r.primed && dt > 0 && a >= r.a && b >= r.b {
		ra = float64(a-r.a) / dt
		rb = float64(b-r.b) / dt
	}
	r.primed, r.last, r.a, r.b = true, now, a, b
	return ra, rb
}

// Disk reports read/write throughput in MB/s across all disks and the usage
// of one mount.
type Disk struct {
	mount    string
	counters CounterFunc
	usage    func(ctx context.Context, path string) (float64, error)
	rate     rate
}

// NewDisk watches mount for usage; empty picks the system drive.
func NewDisk(mount string, c clock.Clock) *Disk {
	if mount == "" {
		mount = "/"
		if runtime.GOOS == "windows" {
			mount = `C:\`
		}
	}
	return &Disk{
		mount:    mount,
		counters: diskCounters,
		usage:    diskUsage,
		rate:     rate{clock: c},
	}
}

func (*Disk) Name() string { return "disk" }

func (d *Disk) Sample(ctx context.Context) (Sample, error) {
	read, written, err := d.counters(ctx)
	if err != nil {
		return nil, err
	}
	rs, ws := d.rate.update(read, written)

	usage, err := d.usage(ctx, d.mount)
	if err != nil {
		usage = 0
	}
	return Sample{
		"read_speed":    round(rs/mb, 2),
		"write_speed":   round(ws/mb, 2),
		"usage_percent": round(usage, 1),
	}, nil
}

func diskCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := disk.IOCountersWithContext(ctx)
	if err != nil && len(stats) == 0 {
		return 0, 0, err
	}
	var read, written uint64
	for _, s := range stats {
		read += s.ReadBytes
		written += s.WriteBytes
	}
	return read, written, nil
}

func diskUsage(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// Network reports upload and download throughput in KB/s across all
// interfaces.
type Network struct {
	counters CounterFunc
	rate     rate
}

func NewNetwork(c clock.Clock) *Network {
	return &Network{counters: netCounters, rate: rate{clock: c}}
}

func (*Network) Name() string { return "network" }

func (n *Network) Sample(ctx context.Context) (Sample, error) {
	sent, recv, err := n.counters(ctx)
	if err != nil {
		return nil, err
	}
	up, down := n.rate.update(sent, recv)
	return Sample{
		"upload_speed":   round(up/1024, 1),
		"download_speed": round(down/1024, 1),
	}, nil
}

func netCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(stats) == 0 {
		return 0, 0, errors.New("no network counters")
	}
	return stats[0].BytesSent, stats[0].BytesRecv, nil
}
