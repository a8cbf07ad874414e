package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tovfikur/fleetd/internal/model"
)

// factsCmd emits five lines: hostname, "os version", cpu cores, memory MB,
// root disk GB. Kept POSIX-ish so it works on any Debian/RHEL-family host.
const factsCmd = `hostname
(. /etc/os-release 2>/dev/null && echo "$ID $VERSION_ID") || uname -s
nproc
free -m | awk '/^Mem:/{print $2}'
df -P -BG / | awk 'NR==2{gsub("G","",$2); print $2}'`

// usageCmd emits three lines: cpu%, mem%, disk% of the root filesystem.
const usageCmd = `top -bn1 | awk -F'[, ]+' '/Cpu\(s\)/{printf "%.1f\n", 100-$8}'
free | awk '/^Mem:/{printf "%.1f\n", $3/$2*100}'
df -P / | awk 'NR==2{gsub("%","",$5); print $5}'`

// GatherFacts probes basic system facts from a host.
func GatherFacts(ctx context.Context, exec Executor, ep Endpoint) (model.SystemFacts, error) {
	res, err := exec.Run(ctx, ep, factsCmd)
	if err != nil {
		return model.SystemFacts{}, err
	}
	if res.ExitCode != 0 {
		return model.SystemFacts{}, fmt.Errorf("facts command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseFacts(res.Stdout)
}

// SampleUsage reads current CPU, memory, and disk utilization percentages.
func SampleUsage(ctx context.Context, exec Executor, ep Endpoint) (model.UsageSample, error) {
	res, err := exec.Run(ctx, ep, usageCmd)
	if err != nil {
		return model.UsageSample{}, err
	}
	if res.ExitCode != 0 {
		return model.UsageSample{}, fmt.Errorf("usage command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseUsage(res.Stdout)
}

func parseFacts(out string) (model.SystemFacts, error) {
	lines := nonEmptyLines(out)
	if len(lines) < 5 {
		return model.SystemFacts{}, fmt.Errorf("unexpected facts output (%d lines)", len(lines))
	}

	facts := model.SystemFacts{Hostname: lines[0]}

	osParts := strings.Fields(lines[1])
	if len(osParts) > 0 {
		facts.OSType = osParts[0]
	}
	if len(osParts) > 1 {
		facts.OSVersion = osParts[1]
	}

	cores, err := strconv.Atoi(lines[2])
	if err != nil {
		return model.SystemFacts{}, fmt.Errorf("parsing cpu cores %q: %w", lines[2], err)
	}
	facts.CPUCores = cores

	memMB, err := strconv.ParseFloat(lines[3], 64)
	if err != nil {
		return model.SystemFacts{}, fmt.Errorf("parsing memory %q: %w", lines[3], err)
	}
	facts.MemoryGB = memMB / 1024

	diskGB, err := strconv.ParseFloat(lines[4], 64)
	if err != nil {
		return model.SystemFacts{}, fmt.Errorf("parsing disk %q: %w", lines[4], err)
	}
	facts.DiskGB = diskGB

	return facts, nil
}

func parseUsage(out string) (model.UsageSample, error) {
	lines := nonEmptyLines(out)
	if len(lines) < 3 {
		return model.UsageSample{}, fmt.Errorf("unexpected usage output (%d lines)", len(lines))
	}

	vals := make([]float64, 3)
	for i := range 3 {
		v, err := strconv.ParseFloat(lines[i], 64)
		if err != nil {
			return model.UsageSample{}, fmt.Errorf("parsing usage value %q: %w", lines[i], err)
		}
		vals[i] = v
	}
	return model.UsageSample{CPUPct: vals[0], MemPct: vals[1], DiskPct: vals[2]}, nil
}

func nonEmptyLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
