package classifier

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	hostSection = "[host_whitelist]"
	extSection  = "[ext_whitelist]"

	// MaxHostLen and MaxExtLen bound rule file entries.
	MaxHostLen = 64
	MaxExtLen  = 8
)

// Rules are the exclusion lists. Requests whose Host contains an excluded
// host, or whose URL ends in an excluded extension, are never intercepted.
type Rules struct {
	ExcludeHosts      []string `json:"exclude_hosts" yaml:"excludeHosts"`
	ExcludeExtensions []string `json:"exclude_extensions" yaml:"excludeExtensions"`
}

func (r Rules) clone() Rules {
	return Rules{
		ExcludeHosts:      append([]string(nil), r.ExcludeHosts...),
		ExcludeExtensions: append([]string(nil), r.ExcludeExtensions...),
	}
}

// Merge returns r with the entries of o appended.
func (r Rules) Merge(o Rules) Rules {
	out := r.clone()
	out.ExcludeHosts = append(out.ExcludeHosts, o.ExcludeHosts...)
	out.ExcludeExtensions = append(out.ExcludeExtensions, o.ExcludeExtensions...)
	return out
}

// ParseRules reads a rules file. Entries follow a [host_whitelist] or
// [ext_whitelist] header, one per line, until a blank line or the next
// header. Lines starting with # are comments.
func ParseRules(r io.Reader) (Rules, error) {
	var rules Rules
	var list *[]string
	limit := 0
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#"):
			continue
		case line == hostSection:
			list, limit = &rules.ExcludeHosts, MaxHostLen
			continue
		case line == extSection:
			list, limit = &rules.ExcludeExtensions, MaxExtLen
			continue
		case strings.HasPrefix(line, "["):
			return rules, fmt.Errorf("line %d: unknown section %s", n, line)
		case line == "":
			list = nil
			continue
		}
		if list == nil {
			continue
		}
		if len(line) > limit {
			return rules, fmt.Errorf("line %d: entry %q longer than %d bytes", n, line, limit)
		}
		*list = append(*list, line)
	}
	if err := sc.Err(); err != nil {
		return rules, fmt.Errorf("read rules: %w", err)
	}
	return rules, nil
}

// LoadRules parses the rules file at path.
func LoadRules(path string) (Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return Rules{}, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()
	r, err := ParseRules(f)
	if err != nil {
		return Rules{}, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
