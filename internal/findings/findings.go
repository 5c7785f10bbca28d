// Package findings condenses port discovery output into the per-group
// "address:ports" lists read by the service fingerprinting stage.
//
// Each scan leaves <base>.xml and <base>.gnmap in the ports output
// directory, either at top level or in a per-range sub-directory. The XML
// report is preferred; the grepable report is used when the XML is missing
// or truncated, which happens when a scan is interrupted.
package findings

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"
	re2 "github.com/wasilibs/go-re2"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/targets"
)

const (
	findingsDirPerm  = 0750
	findingsFilePerm = 0600
)

var gnmapHostPattern = re2.MustCompile(`^Host: (\S+) .*?Ports: (.*)$`)

// OpenPorts maps an address to its sorted, de-duplicated open TCP ports.
type OpenPorts map[string][]uint16

// Merge adds every port in other.
func (o OpenPorts) Merge(other OpenPorts) {
	for addr, ports := range other {
		o.add(addr, ports...)
	}
}

func (o OpenPorts) add(addr string, ports ...uint16) {
	merged := append(o[addr], ports...)
	slices.Sort(merged)
	o[addr] = slices.Compact(merged)
}

// Report describes one written findings file.
type Report struct {
	Group string
	Path  string
	Hosts int
}

// Extractor walks a ports output directory and writes findings lists.
type Extractor struct {
	logger *logging.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Extractor{logger: logger.WithComponent("findings")}
}

// Extract reads inputDir and every direct sub-directory, and writes
// findingsDir/[group/]ip_port_list.txt for each one that has open ports.
// Unreadable reports are returned in the error slice and skipped; the
// final error is non-nil only when inputDir itself cannot be read or a
// findings file cannot be written.
func (e *Extractor) Extract(inputDir, findingsDir string) ([]Report, []error, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.WrapConfigError(errors.CodeConfigMissing, "scan output directory not found", err)
		}
		return nil, nil, errors.NewConfigurationError("failed to read scan output directory", err)
	}

	var (
		reports []Report
		errs    []error
	)

	collect := func(dir, group string) error {
		found, dirErrs := e.ParseDir(dir)
		errs = append(errs, dirErrs...)
		if len(found) == 0 {
			return nil
		}
		out := filepath.Join(findingsDir, group, targets.PortListFile)
		if err := WriteList(out, found); err != nil {
			return err
		}
		e.logger.Success("Wrote findings", "path", out, "hosts", len(found))
		reports = append(reports, Report{Group: group, Path: out, Hosts: len(found)})
		return nil
	}

	if err := collect(inputDir, ""); err != nil {
		return reports, errs, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := collect(filepath.Join(inputDir, entry.Name()), entry.Name()); err != nil {
			return reports, errs, err
		}
	}
	return reports, errs, nil
}

// ParseDir merges the open ports of every report directly inside dir.
func (e *Extractor) ParseDir(dir string) (OpenPorts, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{errors.WrapScanError(errors.CodeFileNotFound, "Failed to read directory", err).
			WithContext("path", dir)}
	}

	bases := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch ext := filepath.Ext(entry.Name()); ext {
		case ".xml", ".gnmap":
			bases[strings.TrimSuffix(entry.Name(), ext)] = struct{}{}
		}
	}

	names := make([]string, 0, len(bases))
	for base := range bases {
		names = append(names, base)
	}
	sort.Strings(names)

	found := make(OpenPorts)
	var errs []error
	for _, base := range names {
		path := filepath.Join(dir, base)
		e.logger.Debug("Processing report", "path", path)

		ports, err := parseReport(path)
		if err != nil {
			e.logger.Warn("Skipping unreadable report", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		found.Merge(ports)
	}
	return found, errs
}

// parseReport reads base.xml, falling back to base.gnmap.
func parseReport(base string) (OpenPorts, error) {
	xmlErr := fmt.Errorf("no XML report")
	if data, err := os.ReadFile(base + ".xml"); err == nil { // #nosec G304 -- path from the scan output directory
		ports, err := ParseXML(data)
		if err == nil {
			return ports, nil
		}
		xmlErr = err
	}

	f, err := os.Open(base + ".gnmap") // #nosec G304 -- path from the scan output directory
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeFileNotFound, "No readable report", xmlErr).
			WithContext("path", base)
	}
	defer func() { _ = f.Close() }()

	ports, err := ParseGrepable(f)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeValidation, "Failed to parse grepable report", err).
			WithContext("path", base+".gnmap")
	}
	return ports, nil
}

// ParseXML extracts open TCP ports from an nmap XML report.
func ParseXML(data []byte) (OpenPorts, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty report")
	}
	var run nmap.Run
	if err := nmap.Parse(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse XML report: %w", err)
	}

	found := make(OpenPorts)
	for _, host := range run.Hosts {
		addr := hostAddress(host)
		if addr == "" {
			continue
		}
		var open []uint16
		for _, p := range host.Ports {
			if p.State.State == "open" && (p.Protocol == "" || p.Protocol == "tcp") {
				open = append(open, p.ID)
			}
		}
		if len(open) > 0 {
			found.add(addr, open...)
		}
	}
	return found, nil
}

func hostAddress(host nmap.Host) string {
	for _, a := range host.Addresses {
		if a.AddrType == "mac" {
			continue
		}
		if addr, err := netip.ParseAddr(a.Addr); err == nil {
			return addr.Unmap().String()
		}
	}
	return ""
}

// ParseGrepable extracts open TCP ports from nmap's grepable output.
func ParseGrepable(r io.Reader) (OpenPorts, error) {
	found := make(OpenPorts)
	lines := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lines++
		}
		m := gnmapHostPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := netip.ParseAddr(m[1])
		if err != nil {
			continue
		}
		portField, _, _ := strings.Cut(m[2], "\t")
		var open []uint16
		for _, entry := range strings.Split(portField, ",") {
			// 22/open/tcp//ssh///
			fields := strings.Split(strings.TrimSpace(entry), "/")
			if len(fields) < 3 || fields[1] != "open" || fields[2] != "tcp" {
				continue
			}
			port, err := strconv.ParseUint(fields[0], 10, 16)
			if err != nil {
				continue
			}
			open = append(open, uint16(port))
		}
		if len(open) > 0 {
			found.add(addr.Unmap().String(), open...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lines == 0 {
		return nil, fmt.Errorf("empty report")
	}
	return found, nil
}

// WriteList writes found as sorted "address:port,port" lines.
func WriteList(path string, found OpenPorts) error {
	if err := os.MkdirAll(filepath.Dir(path), findingsDirPerm); err != nil {
		return errors.WrapScanError(errors.CodeDirectoryCreate, "Failed to create findings directory", err).
			WithContext("path", filepath.Dir(path))
	}

	addrs := make([]netip.Addr, 0, len(found))
	for a := range found {
		if addr, err := netip.ParseAddr(a); err == nil {
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })

	var b strings.Builder
	for _, addr := range addrs {
		ports := found[addr.String()]
		parts := make([]string, len(ports))
		for i, p := range ports {
			parts[i] = strconv.Itoa(int(p))
		}
		host := addr.String()
		if addr.Is6() {
			host = "[" + host + "]"
		}
		fmt.Fprintf(&b, "%s:%s\n", host, strings.Join(parts, ","))
	}

	if err := os.WriteFile(path, []byte(b.String()), findingsFilePerm); err != nil {
		return fmt.Errorf("failed to write findings file: %w", err)
	}
	return nil
}
