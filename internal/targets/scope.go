package targets

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	re2 "github.com/wasilibs/go-re2"

	"github.com/anstrom/scanfleet/internal/errors"
)

// PortListFile is the per-directory findings file read by the services stage.
const PortListFile = "ip_port_list.txt"

var portListPattern = re2.MustCompile(`^[0-9TUSP:,\-]+$`)

// ReadLines reads a newline-delimited scope file.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied scope file
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(errors.CodeConfigMissing, "scope file not found", err)
		}
		return nil, errors.NewConfigurationError("failed to open scope file", err)
	}
	defer func() { _ = f.Close() }()

	return readLines(f)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewConfigurationError("failed to read scope", err)
	}
	return lines, nil
}

// ParsePortList parses "address:ports" lines. Every target gets group.
// Malformed lines are reported and skipped.
func ParsePortList(r io.Reader, group string) ([]Target, []error, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, nil, err
	}

	var out []Target
	var errs []error
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		host, ports, ok := splitHostPorts(line)
		if !ok {
			errs = append(errs, errors.ErrInvalidTarget(line, "expected address:ports"))
			continue
		}

		addr, err := netip.ParseAddr(host)
		if err != nil {
			errs = append(errs, errors.NewResolutionError(line, err))
			continue
		}
		if ports == "" || !portListPattern.MatchString(ports) {
			errs = append(errs, errors.ErrInvalidTarget(line, "invalid port list"))
			continue
		}

		out = append(out, Target{Address: addr.Unmap().String(), Ports: ports, Group: group})
	}
	return out, errs, nil
}

// splitHostPorts splits "address:ports". Port lists may carry protocol
// qualifiers (T:22,U:53), so the split follows a bracketed IPv6 host or the
// first colon after an IPv4 host. Bare IPv6 hosts split at the last colon.
func splitHostPorts(line string) (host, ports string, ok bool) {
	if rest, found := strings.CutPrefix(line, "["); found {
		host, ports, ok = strings.Cut(rest, "]:")
		return strings.TrimSpace(host), strings.TrimSpace(ports), ok && host != ""
	}

	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(line[:idx])); err != nil || !addr.Is4() {
		idx = strings.LastIndex(line, ":")
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// LoadFindings reads dir/ip_port_list.txt and every dir/<sub>/ip_port_list.txt.
// Targets from a sub-directory are grouped under its name. The returned
// error is non-nil only when dir itself cannot be read.
func LoadFindings(dir string) ([]Target, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.WrapConfigError(errors.CodeConfigMissing, "findings directory not found", err)
		}
		return nil, nil, errors.NewConfigurationError("failed to read findings directory", err)
	}

	var out []Target
	var errs []error

	load := func(path, group string) error {
		f, err := os.Open(path) // #nosec G304 -- path built from the findings directory
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.NewConfigurationError("failed to open "+path, err)
		}
		defer func() { _ = f.Close() }()

		targets, lineErrs, err := ParsePortList(f, group)
		if err != nil {
			return err
		}
		out = append(out, targets...)
		errs = append(errs, lineErrs...)
		return nil
	}

	if err := load(filepath.Join(dir, PortListFile), ""); err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := load(filepath.Join(dir, e.Name(), PortListFile), SafeGroup(e.Name())); err != nil {
			return nil, nil, err
		}
	}

	return out, errs, nil
}
