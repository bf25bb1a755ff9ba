// Package yaml replaces YAML files in place without ever exposing a partial
// write. The previous version of a file is kept next to it as <name>.bak.
package yaml

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

const tempPattern = ".zonekeeper-tmp-*.yaml"

// AtomicWrite encodes data as YAML and replaces path with it.
func AtomicWrite(path string, data any) error {
	return AtomicWriteWithHeader(path, "", data)
}

// AtomicWriteWithHeader is AtomicWrite with a comment block on top, one
// "# " line per line of header.
func AtomicWriteWithHeader(path, header string, data any) error {
	var buf bytes.Buffer
	if header != "" {
		for _, line := range strings.Split(header, "\n") {
			fmt.Fprintf(&buf, "# %s\n", line)
		}
	}
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(data)
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteRaw(path, buf.Bytes())
}

// AtomicWriteRaw replaces path with content. Content that does not parse as
// YAML is rejected before anything on disk changes.
func AtomicWriteRaw(path string, content []byte) error {
	var probe any
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	tmp, err := writeTemp(filepath.Dir(path), content)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := backup(path); err != nil {
		return fmt.Errorf("back up %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeTemp(dir string, content []byte) (string, error) {
	f, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	_, err = f.Write(content)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return f.Name(), nil
}

// backup points <path>.bak at the current content of path. A hard link is
// enough since the rename that follows swaps in a new inode; filesystems
// without links get a copy.
func backup(path string) error {
	bak := path + ".bak"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(bak); err != nil && !os.IsNotExist(err) {
		return err
	}
	if os.Link(path, bak) == nil {
		return nil
	}
	old, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(bak, old, 0644)
}
