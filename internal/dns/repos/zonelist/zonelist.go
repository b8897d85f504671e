// Package zonelist reads third-party block lists into blocked zone names.
//
// Two formats are understood. Plain lists carry one name per line; hosts
// files carry an address followed by one or more hostnames. Every entry is a
// zone, so it blocks the name and everything beneath it.
package zonelist

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"unicode"

	logpkg "github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/common/utils"
)

// Format names a list syntax.
type Format string

const (
	FormatPlain Format = "plain"
	FormatHosts Format = "hosts"
)

// ParseFormat maps a configured format name to a Format. The empty string
// selects FormatPlain.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPlain:
		return FormatPlain, nil
	case FormatHosts:
		return FormatHosts, nil
	}
	return "", fmt.Errorf("unsupported zone list format %q", s)
}

// Load opens path and parses it as format.
func Load(path string, format Format, logger logpkg.Logger) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh, format, path, logger)
}

// Parse reads r as format. Invalid entries are skipped, not fatal. The result
// holds canonical names, de-duplicated in first-seen order. source only
// labels log entries.
func Parse(r io.Reader, format Format, source string, logger logpkg.Logger) ([]string, error) {
	if logger == nil {
		logger = logpkg.NewNoopLogger()
	}
	var tokens func(line string) []string
	switch format {
	case FormatPlain:
		tokens = plainTokens
	case FormatHosts:
		tokens = hostsTokens
	default:
		return nil, fmt.Errorf("unsupported zone list format %q", string(format))
	}

	logger = logger.With(map[string]any{"source": source, "format": string(format)})
	logger.Debug(nil, "parse_zone_list_start")

	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	out := make([]string, 0, 256)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimPrefix(scanner.Text(), "\uFEFF")
		if skip(line) {
			continue
		}
		line = stripInlineComment(line)

		for _, raw := range tokens(line) {
			name := normalizeZoneName(raw)
			if !isValidZoneName(name) {
				logger.Debug(map[string]any{"line": lineNum, "raw": raw}, "zone_list_skip_invalid")
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read zone list %s: %w", source, err)
	}

	logger.Debug(map[string]any{"count": len(out)}, "parse_zone_list_done")
	return out, nil
}

// plainTokens yields the single entry on a plain list line. A leading "*." or
// "." marker is accepted and dropped, since every entry already covers its
// subdomains.
func plainTokens(line string) []string {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil
	}
	return []string{s}
}

// hostsTokens yields the hostnames that follow the address field. Wildcards
// and leading dots are not hosts file syntax and are rejected, as are bare
// addresses.
func hostsTokens(line string) []string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	out := make([]string, 0, len(fields)-1)
	for _, raw := range fields[1:] {
		if strings.HasPrefix(raw, ".") || strings.Contains(raw, "*") {
			continue
		}
		if _, err := netip.ParseAddr(raw); err == nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// skip reports blank lines and whole-line comments.
func skip(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

func stripInlineComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}

func normalizeZoneName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "*.")
	name = strings.TrimPrefix(name, ".")
	return utils.CanonicalDNSName(name)
}

// isValidZoneName requires at least two labels of 1 to 63 characters, a total
// length within 253, and a first label starting with a letter or digit. Single
// label names like localhost never reach the store.
func isValidZoneName(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if strings.ContainsAny(label, "*@/ \t") {
			return false
		}
	}
	first := []rune(labels[0])[0]
	return unicode.IsLetter(first) || unicode.IsDigit(first)
}
