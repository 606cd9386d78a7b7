// Package facts collects local node facts sent with every catalog request.
// Facts describe the node the catalog will be compiled for; the compiler
// uses them to parameterize resources.
package facts

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Collect gathers the node facts for one catalog request. Collection is
// best-effort: facts that cannot be determined are simply absent.
func Collect(agentVersion string) map[string]any {
	hostname, _ := os.Hostname()

	osFacts := map[string]any{
		"name":     runtime.GOOS,
		"arch":     runtime.GOARCH,
		"hostname": hostname,
	}
	if kernel := readKernelVersion(); kernel != "" {
		osFacts["kernel"] = kernel
	}

	out := map[string]any{
		"os": osFacts,
		"cpu": map[string]any{
			"count": runtime.NumCPU(),
		},
		"agent": map[string]any{
			"version": agentVersion,
			"pid":     os.Getpid(),
		},
		"collected_at": time.Now().UTC().Format(time.RFC3339),
	}

	if mem := readMemoryFacts(); mem != nil {
		out["memory"] = mem
	}
	return out
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readMemoryFacts() map[string]any {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	mem := make(map[string]any)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			mem["total_mb"] = kb / 1024
		case "MemAvailable:":
			mem["available_mb"] = kb / 1024
		}
	}
	if len(mem) == 0 {
		return nil
	}
	return mem
}
