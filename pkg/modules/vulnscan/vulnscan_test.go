//go:build unix

package vulnscan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/testutil"
)

const nucleiOutput = `cat <<'OUT'
{"template-id":"tech-detect","info":{"name":"Tech","severity":"info"},"type":"http","host":"https://a.example.com","matched-at":"https://a.example.com"}
{"template-id":"CVE-2021-44228","info":{"name":"Log4Shell","severity":"critical","tags":["cve","rce"]},"type":"http","host":"https://a.example.com","matched-at":"https://a.example.com/api"}
{"template-id":"exposed-git","info":{"name":"Git","severity":"MEDIUM"},"type":"http","host":"https://b.example.com"}
{"info":{"name":"no id"}}
OUT`

func TestRun_UsesProbedEndpoints(t *testing.T) {
	dir := t.TempDir()
	listCopy := filepath.Join(dir, "targets")
	nuclei := testutil.FakeTool(t, dir, "nuclei", `cp "$2" '`+listCopy+`'`+"\n"+nucleiOutput)
	env := testutil.Env(t, Name, module.CapVulnScan, "example.com", map[string]string{"nuclei": nuclei})
	testutil.WritePrior(t, env, module.CapWebProbing, "web_probing", map[string]any{
		"endpoints": []map[string]any{{"url": "https://a.example.com"}, {"url": "https://b.example.com"}},
	})

	res, err := New("", 0).Run(context.Background(), env)
	require.NoError(t, err)

	list, err := os.ReadFile(listCopy)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com\nhttps://b.example.com", strings.TrimSpace(string(list)))

	findings := res["findings"].([]Finding)
	require.Len(t, findings, 3)
	assert.Equal(t, "CVE-2021-44228", findings[0].TemplateID)
	assert.Equal(t, []string{"cve", "rce"}, findings[0].Tags)
	assert.Equal(t, "medium", findings[1].Severity)
	assert.Equal(t, "info", findings[2].Severity)
	assert.Equal(t, map[string]int{"critical": 1, "medium": 1, "info": 1}, res["by_severity"])
	assert.Equal(t, 2, res["scanned"])
}

func TestRun_RateLimitFlag(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	nuclei := testutil.FakeTool(t, dir, "nuclei", `echo "$@" > '`+argsFile+`'`)
	env := testutil.Env(t, Name, module.CapVulnScan, "example.com", map[string]string{"nuclei": nuclei})

	res, err := New("high,critical", 25).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 0, res["count"])
	assert.Equal(t, 2, res["scanned"], "http and https fallbacks for the apex")

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-severity high,critical")
	assert.Contains(t, string(args), "-rate-limit 25")
}

func TestNormalize_UnknownSeverity(t *testing.T) {
	var l nucleiLine
	l.TemplateID = "x"
	l.Info.Severity = "weird"
	got := normalize([]nucleiLine{l})
	require.Len(t, got, 1)
	assert.Equal(t, "unknown", got[0].Severity)
}
