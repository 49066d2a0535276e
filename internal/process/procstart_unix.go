//go:build !windows

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"

	sysconf "github.com/tklauser/go-sysconf"
)

// starttime is field 22 of /proc/<pid>/stat; after the ") " closing comm,
// field 3 (state) is index 0.
const statStartIndex = 22 - 3

// getProcStartUnix returns the start time of pid as Unix seconds from /proc,
// or 0 when /proc is unavailable. Other systems rely on the gopsutil fallback.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 || runtime.GOOS != "linux" {
		return 0
	}
	ticks := statStartTicks(pid)
	if ticks <= 0 {
		return 0
	}
	boot := bootTime()
	if boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return boot + ticks/clk
}

// statStartTicks reads the start time of pid in clock ticks since boot.
func statStartTicks(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces and parentheses
	i := bytes.LastIndex(b, []byte(") "))
	if i < 0 {
		return 0
	}
	fields := bytes.Fields(b[i+2:])
	if len(fields) <= statStartIndex {
		return 0
	}
	v, err := strconv.ParseInt(string(fields[statStartIndex]), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// bootTime returns the btime line of /proc/stat.
func bootTime() int64 {
	b, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	for _, line := range bytes.Split(b, []byte("\n")) {
		v, ok := bytes.CutPrefix(line, []byte("btime "))
		if !ok {
			continue
		}
		bt, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
		if err != nil {
			return 0
		}
		return bt
	}
	return 0
}
