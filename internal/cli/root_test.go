package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is written by the command and by the console human channel.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeApplicant(t *testing.T, root, ref string, docs ...string) {
	t.Helper()
	dir := filepath.Join(root, ref)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	record := `{"business_name":"Acme Bakery","annual_revenue":800000,"annual_expenses":600000,"monthly_debt_payments":5000}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "record.json"), []byte(record), 0o600))
	for _, d := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, d+".json"), []byte(`{"filed":true}`), 0o600))
	}
}

func runCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut lockedBuffer
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func offline(t *testing.T) string {
	t.Helper()
	docs := t.TempDir()
	writeApplicant(t, docs, "A-100", "itr", "bank_statement")
	t.Setenv("LOANMESH_DOCUMENTS_DIR", docs)
	t.Setenv("LOANMESH_SEARCH_BACKEND", "static")
	t.Setenv("LOANMESH_LOG_LEVEL", "error")
	return docs
}

func TestUnderwriteCmd(t *testing.T) {
	offline(t)

	out, _, err := runCmd(t, "", "underwrite", "--applicant-ref", "A-100", "--business-name", "Acme Bakery", "--amount", "100000", "--years", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "started")
	assert.Contains(t, out, "Outcome:")
	assert.Contains(t, out, "Risk score:")
}

func TestUnderwriteCmd_Interactive(t *testing.T) {
	offline(t)

	out, _, err := runCmd(t, "GST return is filed quarterly\n",
		"underwrite", "--applicant-ref", "A-100", "--amount", "2000000", "--interactive", "--author", "analyst")
	require.NoError(t, err)
	assert.Contains(t, out, "missing documents: gst")
	assert.Contains(t, out, "Outcome:")
}

func TestUnderwriteCmd_StdinClosed(t *testing.T) {
	offline(t)

	_, _, err := runCmd(t, "", "underwrite", "--applicant-ref", "A-100", "--amount", "2000000", "--interactive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdin is closed")
}

func TestUnderwriteCmd_RequiresApplicant(t *testing.T) {
	offline(t)

	_, _, err := runCmd(t, "", "underwrite", "--amount", "1000")
	assert.Error(t, err)
}

func TestClientCmdsNeedNATS(t *testing.T) {
	offline(t)

	for _, args := range [][]string{
		{"status", "s-1"},
		{"report", "s-1"},
		{"reports"},
		{"answer", "s-1", "ok"},
		{"cancel", "s-1"},
	} {
		_, _, err := runCmd(t, "", args...)
		require.Error(t, err, args[0])
		assert.Contains(t, err.Error(), "transport.kind=nats")
	}
}

func TestServeCmd_UnknownAgent(t *testing.T) {
	offline(t)

	_, _, err := runCmd(t, "", "serve", "--agents", "broker")
	assert.Error(t, err)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	t.Setenv("LOANMESH_TRANSPORT_KIND", "pigeon")

	_, _, err := runCmd(t, "", "reports")
	assert.Error(t, err)
}
