package utils

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadPaths reads a newline-delimited file of relative request paths. Blank
// lines are skipped; there is no comment convention for path files.
func LoadPaths(filePath string) ([]string, error) {
	log := GetLogger("config")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening paths file: %v", err)
	}
	defer f.Close()
	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading paths file: %v", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths found in %s", filePath)
	}
	log.Debug().Int("count", len(paths)).Str("file", filePath).Msg("Paths loaded")
	return paths, nil
}

// LoadRates reads a newline-delimited file of positive arrival rates, one per
// line, scaling each by multiplier. Lines starting with '#' are comments.
func LoadRates(filePath string, multiplier float64) ([]float64, error) {
	log := GetLogger("config")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("error opening rates file: %v", err)
	}
	defer f.Close()
	var rates []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing rate %q: %v", line, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("non-positive rate %q in %s", line, filePath)
		}
		rates = append(rates, v*multiplier)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading rates file: %v", err)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no rates found in %s", filePath)
	}
	log.Debug().Int("count", len(rates)).Float64("multiplier", multiplier).Msg("Rate schedule loaded")
	return rates, nil
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
