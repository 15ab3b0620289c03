package fsutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// shmDir is the tmpfs mount used for in-memory staging on Linux.
var shmDir = "/dev/shm"

// GetSystemMemory returns available memory in MB as reported by /proc/meminfo.
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	return parseMemAvailable(string(content))
}

func parseMemAvailable(meminfo string) (int64, error) {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemAvailable: %w", err)
		}
		return kb / 1024, nil
	}
	return 0, errors.New("MemAvailable not found")
}

// EstimateDatasetSize estimates the staging space needed for files in MB.
// Every oracle call stages at most the whole set once, plus the composite.
func EstimateDatasetSize(files []string) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}

	sampleSize := len(files)
	if sampleSize > 5 {
		sampleSize = 5
	}

	var totalSampleSize int64
	for i := 0; i < sampleSize; i++ {
		if stat, err := os.Stat(files[i]); err == nil {
			totalSampleSize += stat.Size()
		}
	}

	if totalSampleSize == 0 {
		return 0, fmt.Errorf("could not determine file sizes")
	}

	avgFileSize := totalSampleSize / int64(sampleSize)

	// inputs plus a composite of roughly the same total size
	estimatedTotalBytes := int64(len(files)) * avgFileSize * 2
	return estimatedTotalBytes / (1024 * 1024), nil
}

// StagingRoot picks the directory oracle workspaces are created in. When a
// tmpfs is present and the dataset comfortably fits in free memory it stages
// in RAM; otherwise it returns fallback.
func StagingRoot(files []string, fallback string, logger *slog.Logger) string {
	if !IsDirectory(shmDir) || len(files) == 0 {
		return fallback
	}

	availableRAM, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return fallback
	}

	datasetSizeMB, err := EstimateDatasetSize(files)
	if err != nil {
		if logger != nil {
			logger.Debug("failed to estimate dataset size", "error", err)
		}
		return fallback
	}

	required := datasetSizeMB + 100
	const minFreeRAM = int64(512)

	if required < availableRAM/2 && availableRAM-required > minFreeRAM {
		if logger != nil {
			logger.Info("staging oracle inputs in memory",
				"dir", shmDir,
				"available_ram_mb", availableRAM,
				"required_mb", required,
			)
		}
		return shmDir
	}

	if logger != nil {
		logger.Info("memory staging not recommended",
			"reason", "insufficient RAM or dataset too large",
			"available_ram_mb", availableRAM,
			"required_mb", required,
		)
	}
	return fallback
}
