// Package sysmem reports available system memory, used by the pipeline's
// preflight guard before spawning LLM-heavy consolidation work.
package sysmem

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const meminfoPath = "/proc/meminfo"

// AvailableMB returns MemAvailable from /proc/meminfo in mebibytes.
// On platforms without /proc (or when the field is missing) it returns
// (0, error); callers treat that as "cannot verify" and proceed.
func AvailableMB() (int, error) {
	return availableMB(meminfoPath)
}

func availableMB(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemAvailable %q: %w", fields[1], err)
		}
		return int(kb / 1024), nil
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	return 0, fmt.Errorf("MemAvailable not found in %s", path)
}
