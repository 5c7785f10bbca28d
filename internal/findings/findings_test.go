package findings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/targets"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -p 1-65535 -Pn 10.0.0.5" start="1700000000" version="7.94">
<host starttime="1700000000" endtime="1700000100">
<status state="up" reason="user-set"/>
<address addr="10.0.0.5" addrtype="ipv4"/>
<address addr="00:11:22:33:44:55" addrtype="mac"/>
<ports>
<port protocol="tcp" portid="443"><state state="open" reason="syn-ack"/></port>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack"/></port>
<port protocol="tcp" portid="25"><state state="filtered" reason="no-response"/></port>
</ports>
</host>
<runstats><finished time="1700000100" elapsed="100"/></runstats>
</nmaprun>
`

const sampleGnmap = "# Nmap 7.94 scan initiated as: nmap -p 1-65535 -Pn -oA out/10.0.0.6 10.0.0.6\n" +
	"Host: 10.0.0.6 ()\tStatus: Up\n" +
	"Host: 10.0.0.6 ()\tPorts: 80/open/tcp//http///, 8080/closed/tcp//http-proxy///, 3306/open/tcp//mysql///\tIgnored State: closed (65532)\n" +
	"# Nmap done at Tue Nov 14 22:15:00 2023 -- 1 IP address (1 host up) scanned in 100.00 seconds\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestParseXML(t *testing.T) {
	found, err := ParseXML([]byte(sampleXML))
	require.NoError(t, err)
	assert.Equal(t, OpenPorts{"10.0.0.5": {22, 443}}, found)

	_, err = ParseXML([]byte("  \n"))
	assert.Error(t, err)

	_, err = ParseXML([]byte(sampleXML[:200]))
	assert.Error(t, err, "truncated report")
}

func TestParseGrepable(t *testing.T) {
	found, err := ParseGrepable(strings.NewReader(sampleGnmap))
	require.NoError(t, err)
	assert.Equal(t, OpenPorts{"10.0.0.6": {80, 3306}}, found)

	_, err = ParseGrepable(strings.NewReader(""))
	assert.Error(t, err)
}

func TestOpenPortsMerge(t *testing.T) {
	a := OpenPorts{"10.0.0.1": {22, 80}}
	a.Merge(OpenPorts{"10.0.0.1": {80, 443}, "10.0.0.2": {53}})
	assert.Equal(t, OpenPorts{"10.0.0.1": {22, 80, 443}, "10.0.0.2": {53}}, a)
}

func TestWriteListRoundTripsThroughParsePortList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group", targets.PortListFile)
	require.NoError(t, WriteList(path, OpenPorts{
		"10.0.0.10":   {443},
		"10.0.0.2":    {22, 80},
		"2001:db8::1": {8443},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:22,80\n10.0.0.10:443\n[2001:db8::1]:8443\n", string(data))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	tgts, errs, err := targets.ParsePortList(f, "group")
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, tgts, 3)
	assert.Equal(t, targets.Target{Address: "2001:db8::1", Ports: "8443", Group: "group"}, tgts[2])
}

func TestExtract(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "findings")

	// top level: XML preferred over the grepable report of the same scan
	writeFile(t, filepath.Join(in, "10.0.0.5.xml"), sampleXML)
	writeFile(t, filepath.Join(in, "10.0.0.5.gnmap"), "Host: 10.0.0.5 ()\tPorts: 9999/open/tcp////\n")
	writeFile(t, filepath.Join(in, "10.0.0.5.nmap"), "ignored")

	// range group: truncated XML falls back to gnmap
	writeFile(t, filepath.Join(in, "10.0.0.0_24", "10.0.0.6.xml"), sampleXML[:150])
	writeFile(t, filepath.Join(in, "10.0.0.0_24", "10.0.0.6.gnmap"), sampleGnmap)
	writeFile(t, filepath.Join(in, "10.0.0.0_24", "10.0.0.7.xml"), "")

	// group with nothing open writes no file
	writeFile(t, filepath.Join(in, "empty_range", "10.9.9.9.gnmap"), "Host: 10.9.9.9 ()\tStatus: Down\n")

	reports, errs, err := NewExtractor(nil).Extract(in, out)
	require.NoError(t, err)
	require.Len(t, errs, 1, "the empty report is reported and skipped")
	assert.True(t, errors.IsCode(errs[0], errors.CodeFileNotFound))

	require.Len(t, reports, 2)
	assert.Equal(t, "", reports[0].Group)
	assert.Equal(t, "10.0.0.0_24", reports[1].Group)

	top, err := os.ReadFile(filepath.Join(out, targets.PortListFile))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:22,443\n", string(top))

	grouped, err := os.ReadFile(filepath.Join(out, "10.0.0.0_24", targets.PortListFile))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6:80,3306\n", string(grouped))

	assert.NoFileExists(t, filepath.Join(out, "empty_range", targets.PortListFile))

	loaded, loadErrs, err := targets.LoadFindings(out)
	require.NoError(t, err)
	assert.Empty(t, loadErrs)
	assert.Len(t, loaded, 2)
}

func TestExtractMissingInput(t *testing.T) {
	_, _, err := NewExtractor(nil).Extract(filepath.Join(t.TempDir(), "nope"), t.TempDir())
	assert.True(t, errors.IsCode(err, errors.CodeConfigMissing))
}
