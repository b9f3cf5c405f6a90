package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
)

type logLevelFlag struct {
	Level logging.LogLevel
}

var _ pflag.Value = (*logLevelFlag)(nil)

// Type implements pflag.Value.
func (lvl *logLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (lvl *logLevelFlag) Set(str string) error {
	switch strings.ToLower(str) {
	case "warning":
		str = "warn"
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid log level: %q", str)
	}
	level, err := logging.ParseLevel(strings.ToLower(str))
	if err != nil {
		return err
	}
	lvl.Level = level
	return nil
}

// String implements pflag.Value.
func (lvl *logLevelFlag) String() string {
	return lvl.Level.String()
}

// sizeFlag is a byte count given as "64M", "1G", "512K" or plain bytes
type sizeFlag int64

var _ pflag.Value = (*sizeFlag)(nil)

// Type implements pflag.Value.
func (s *sizeFlag) Type() string { return "size" }

// Set implements pflag.Value.
func (s *sizeFlag) Set(str string) error {
	n, err := parseSize(str)
	if err != nil {
		return err
	}
	*s = sizeFlag(n)
	return nil
}

// String implements pflag.Value.
func (s *sizeFlag) String() string {
	return formatSize(int64(*s))
}

// formatFlag selects the output encoding
type formatFlag string

var _ pflag.Value = (*formatFlag)(nil)

// Type implements pflag.Value.
func (f *formatFlag) Type() string { return "format" }

// Set implements pflag.Value.
func (f *formatFlag) Set(str string) error {
	switch str {
	case "text", "json":
		*f = formatFlag(str)
		return nil
	default:
		return fmt.Errorf("invalid format %q: must be text or json", str)
	}
}

// String implements pflag.Value.
func (f *formatFlag) String() string { return string(*f) }

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else if strings.HasSuffix(s, "T") {
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "T")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %d", num)
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
