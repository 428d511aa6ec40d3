package pii

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// EnvMemoryLimit overrides the detection memory budget in MB.
const EnvMemoryLimit = "BEDROCK_KB_MEMORY_LIMIT_MB"

const (
	budgetFloorMB    = 100
	budgetMinMB      = 200
	budgetMaxMB      = 2048
	budgetFallbackMB = 500
	budgetRAMPercent = 30
)

// MemorySampler returns the current process resident set size in bytes.
type MemorySampler func() (uint64, error)

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// ProcessRSS samples this process's resident set size through gopsutil.
func ProcessRSS() (uint64, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	if selfErr != nil {
		return 0, selfErr
	}
	info, err := self.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func systemMemoryTotal() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// MemoryBudgetMB computes clamp(30% of RAM, 200, 2048) MB. A positive integer in
// BEDROCK_KB_MEMORY_LIMIT_MB replaces the computed value. The result is never below 100;
// 500 is used when RAM cannot be read.
func MemoryBudgetMB(getenv func(string) string, total func() (uint64, error)) int {
	if getenv == nil {
		getenv = os.Getenv
	}
	if total == nil {
		total = systemMemoryTotal
	}

	if v := strings.TrimSpace(getenv(EnvMemoryLimit)); v != "" {
		if mb, err := strconv.Atoi(v); err == nil && mb > 0 {
			return max(mb, budgetFloorMB)
		}
	}

	bytes, err := total()
	if err != nil || bytes == 0 {
		return budgetFallbackMB
	}
	mb := int(bytes / (1024 * 1024) * budgetRAMPercent / 100)
	mb = min(max(mb, budgetMinMB), budgetMaxMB)
	return max(mb, budgetFloorMB)
}
