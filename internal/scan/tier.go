package scan

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// Tier is a coarse device capability bucket.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TierSettings sizes scan pages and metadata fan-out.
type TierSettings struct {
	BatchSize   int
	Concurrency int
}

// TierTable maps each tier to its settings.
var TierTable = map[Tier]TierSettings{
	TierLow:    {BatchSize: 50, Concurrency: 2},
	TierMedium: {BatchSize: 200, Concurrency: 4},
	TierHigh:   {BatchSize: 500, Concurrency: 8},
}

// Settings returns the table entry for t, falling back to medium.
func (t Tier) Settings() TierSettings {
	if s, ok := TierTable[t]; ok {
		return s
	}
	return TierTable[TierMedium]
}

const (
	lowMemory    = 2 << 30
	mediumMemory = 6 << 30
)

// DeviceInfo is what tier classification looks at. Zero means unknown.
type DeviceInfo struct {
	MemoryBytes uint64
	ModelYear   int
}

// ClassifyDevice buckets a device by memory, or by age when memory is
// unknown. A device with neither is treated as medium.
func ClassifyDevice(d DeviceInfo) Tier {
	switch {
	case d.MemoryBytes > 0 && d.MemoryBytes < lowMemory:
		return TierLow
	case d.MemoryBytes > 0 && d.MemoryBytes < mediumMemory:
		return TierMedium
	case d.MemoryBytes > 0:
		return TierHigh
	case d.ModelYear > 0 && d.ModelYear < 2018:
		return TierLow
	case d.ModelYear > 0 && d.ModelYear < 2021:
		return TierMedium
	case d.ModelYear > 0:
		return TierHigh
	}
	return TierMedium
}

// ProbeDevice reads total memory from /proc/meminfo. On systems without it
// the memory stays unknown.
func ProbeDevice() DeviceInfo {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return DeviceInfo{}
	}
	defer f.Close()
	mem, _ := parseMemTotal(f)
	return DeviceInfo{MemoryBytes: mem}
}

func parseMemTotal(r io.Reader) (uint64, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "MemTotal:"))
		if len(fields) == 0 {
			return 0, false
		}
		unit := "KiB"
		if len(fields) > 1 && !strings.EqualFold(fields[1], "kb") {
			unit = fields[1]
		}
		n, err := humanize.ParseBytes(fields[0] + " " + unit)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
