package platform

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Info describes the machine a benchmark ran on
type Info struct {
	EnvironmentID   string `json:"environment_id"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	Arch            string `json:"arch"`
	CPUModel        string `json:"cpu_model,omitempty"`
	LogicalCores    int    `json:"logical_cores,omitempty"`
	MemoryTotal     uint64 `json:"memory_total,omitempty"`
}

var (
	invalidChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	yearPattern  = regexp.MustCompile(`\b(20\d{2})\b`)
)

// Detect inspects the host. Only the host lookup is required; CPU and memory
// details are best effort.
func Detect(ctx context.Context) (Info, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return Info{
			EnvironmentID: fallbackID(),
			OS:            runtime.GOOS,
			Arch:          runtime.GOARCH,
		}, fmt.Errorf("failed to read host info: %w", err)
	}

	info := Info{
		EnvironmentID:   EnvironmentID(h),
		OS:              h.OS,
		Platform:        h.Platform,
		PlatformVersion: h.PlatformVersion,
		Arch:            h.KernelArch,
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.LogicalCores = cores
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
	}
	return info, nil
}

// EnvironmentID derives an identifier in the style of CI runner labels:
// ubuntu-22.04, windows-2022, macos-14. Unknown hosts fall back to GOOS-GOARCH.
func EnvironmentID(h *host.InfoStat) string {
	if h == nil {
		return fallbackID()
	}

	var id string
	switch {
	case h.OS == "windows":
		if year := yearPattern.FindString(h.Platform); year != "" {
			id = "windows-" + year
		} else {
			id = "windows-" + majorVersion(h.PlatformVersion)
		}
	case h.OS == "darwin":
		id = "macos-" + majorVersion(h.PlatformVersion)
	case h.Platform != "":
		id = h.Platform + "-" + h.PlatformVersion
	}

	id = sanitize(id)
	if id == "" {
		return fallbackID()
	}
	return id
}

func majorVersion(v string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(v), ".")
	return major
}

func sanitize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = invalidChars.ReplaceAllString(id, "-")
	return strings.Trim(id, "-.")
}

func fallbackID() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}
