package egress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// parseList reads one entry per line. Blank lines and lines starting with
// '#' are skipped.
func parseList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// readList loads a list file and refuses an empty one, so a misconfigured
// path never silently degrades to the defaults.
func readList(path, what string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s list: %w", what, err)
	}
	defer f.Close()

	entries, err := parseList(f)
	if err != nil {
		return nil, fmt.Errorf("read %s list %s: %w", what, path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s list %s is empty", what, path)
	}
	return entries, nil
}
