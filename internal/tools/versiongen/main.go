package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"pkt.systems/waypoint/internal/version"
)

const generatorMeta = `<meta name="generator" content="`

func main() {
	var htmlPath string
	flag.StringVar(&htmlPath, "html", "", "path to an HTML asset whose generator meta tag gets the version")
	flag.Parse()

	ver := strings.TrimSpace(version.Current())
	if ver == "" {
		ver = "v0.0.0-unknown"
	}

	if htmlPath != "" {
		if err := stampFile(htmlPath, ver); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}

	fmt.Fprintln(os.Stdout, ver)
}

func stampFile(path string, ver string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat html asset: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read html asset: %w", err)
	}
	out, err := stampGenerator(string(data), ver)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if out == string(data) {
		return nil
	}
	if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write html asset: %w", err)
	}
	return nil
}

// stampGenerator rewrites the content of the single generator meta tag to
// "waypoint <ver>".
func stampGenerator(doc string, ver string) (string, error) {
	lines := strings.Split(doc, "\n")
	replaced := 0
	for i, line := range lines {
		start := strings.Index(line, generatorMeta)
		if start == -1 {
			continue
		}
		start += len(generatorMeta)
		end := strings.IndexByte(line[start:], '"')
		if end == -1 {
			return "", fmt.Errorf("generator meta tag missing closing quote")
		}
		lines[i] = line[:start] + "waypoint " + ver + line[start+end:]
		replaced++
	}
	if replaced == 0 {
		return "", fmt.Errorf("generator meta tag not found")
	}
	if replaced > 1 {
		return "", fmt.Errorf("generator meta tag appears %d times", replaced)
	}
	return strings.Join(lines, "\n"), nil
}
