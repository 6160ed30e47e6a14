package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/config"
	"github.com/JakeFAU/aardwiki/internal/output"
	"github.com/JakeFAU/aardwiki/internal/siteinfo"
	"github.com/JakeFAU/aardwiki/internal/storage/sqlite"
)

const siteinfoResponse = `{
  "query": {
    "general": {"sitename": "Wikipedia", "lang": "en"},
    "namespaces": {"0": {"id": 0, "*": ""}, "14": {"id": 14, "*": "Category"}},
    "magicwords": [{"name": "redirect", "aliases": ["#REDIRECT"]}]
  }
}`

const dumpXML = `<mediawiki>
  <page><title>Alpha</title><revision><text>'''Alpha''' is the first letter.</text></revision></page>
  <page><title>Beta</title><revision><text>#REDIRECT [[Alpha]]</text></revision></page>
  <page><title>Category:Letters</title><revision><text>Letters</text></revision></page>
</mediawiki>`

// childEnv makes the test binary behave as the aardwiki executable, so the
// worker pool can start it with the hidden worker command.
const childEnv = "AARDWIKI_TEST_CLI_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		if err := Execute(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	newLogger = func(config.Config) (*zap.Logger, error) { return zap.NewNop(), nil }
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSiteInfoImportConvert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(siteinfoResponse))
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	common := []string{"--data-dir", dataDir, "--lang", "en"}

	out, err := execute(t, append([]string{"siteinfo", "--base-url", srv.URL}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Wikipedia (en) saved to")
	assert.FileExists(t, filepath.Join(dataDir, siteinfo.FileName("en")))

	dumpPath := filepath.Join(dataDir, "dump.xml")
	require.NoError(t, os.WriteFile(dumpPath, []byte(dumpXML), 0o600))
	out, err = execute(t, append([]string{"import", dumpPath}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 3 of 3 pages")

	outPath := filepath.Join(dataDir, "out", "en.jsonl")
	_, err = execute(t, append([]string{"convert",
		"--workers", "0",
		"--output", outPath,
		"--metadata", filepath.Join(dataDir, "missing.toml"),
	}, common...)...)
	require.Error(t, err, "explicit metadata files must exist")

	out, err = execute(t, append([]string{"convert",
		"--workers", "0",
		"--output", outPath,
		"--dict-ver", "7",
	}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "Processed")

	dict, err := output.Load(outPath)
	require.NoError(t, err)
	require.Len(t, dict.Records, 2)
	assert.Equal(t, "Alpha", dict.Records[0].Title)
	assert.True(t, dict.Records[1].Redirect)
	assert.EqualValues(t, 2, dict.Metadata["article_count"])
	assert.EqualValues(t, 1, dict.Metadata["skipped_count"])
	assert.Equal(t, "Wikipedia", dict.Metadata["name"])
	assert.Equal(t, "en", dict.Metadata["sitelang"])
	assert.Equal(t, "7", dict.Metadata["ver"])
}

func TestConvertThroughWorkerProcesses(t *testing.T) {
	t.Setenv(childEnv, "1")
	workerExecutable = os.Args[0]
	t.Cleanup(func() { workerExecutable = "" })

	ctx := context.Background()
	dataDir := t.TempDir()
	_, err := siteinfo.Save(dataDir, "en", siteinfo.Info{
		General:    siteinfo.General{SiteName: "Wikipedia", Lang: "en"},
		MagicWords: []siteinfo.MagicWord{{Name: "redirect", Aliases: []string{"#REDIRECT"}}},
	})
	require.NoError(t, err)
	store, err := sqlite.Open(ctx, dataDir, "en")
	require.NoError(t, err)
	require.NoError(t, store.PutBatch(ctx, []sqlite.Page{
		{Title: "A", Text: "'''A''' is the first letter."},
		{Title: "B", Text: "#REDIRECT [[A]]"},
		{Title: "C", Text: ""},
	}))
	require.NoError(t, store.Close())

	outPath := filepath.Join(dataDir, "out", "en.jsonl")
	out, err := execute(t, "convert",
		"--data-dir", dataDir, "--lang", "en",
		"--workers", "2", "--timeout", "30",
		"--output", outPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "success")

	dict, err := output.Load(outPath)
	require.NoError(t, err)
	require.Len(t, dict.Records, 2)
	byTitle := make(map[string]output.Record, len(dict.Records))
	for _, rec := range dict.Records {
		byTitle[rec.Title] = rec
	}
	require.Contains(t, byTitle, "A")
	require.Contains(t, byTitle, "B")
	assert.False(t, byTitle["A"].Redirect)
	assert.True(t, byTitle["B"].Redirect)
	assert.JSONEq(t, `["",[],{"r":"A"}]`, string(byTitle["B"].Article))
	assert.EqualValues(t, 2, dict.Metadata["article_count"])
	assert.EqualValues(t, 1, dict.Metadata["error_count"])
	assert.EqualValues(t, 0, dict.Metadata["timedout_count"])
}

func TestImportRequiresReadableDump(t *testing.T) {
	_, err := execute(t, "import", "--data-dir", t.TempDir(), "--lang", "en", filepath.Join(t.TempDir(), "nope.xml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open dump")
}

func TestImportFromStdin(t *testing.T) {
	dataDir := t.TempDir()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(bytes.NewBufferString(dumpXML))
	root.SetArgs([]string{"import", "--data-dir", dataDir, "--lang", "en", "-"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "imported 3 of 3 pages")
}

func TestConvertRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "convert", "--data-dir", t.TempDir(), "--lang", "en", "--start", "5", "--end", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convert.end")
}

func TestWorkerArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"worker", "--data-dir", "d", "--lang", "en"}, workerArgs("d", "en", false))
	assert.Equal(t, []string{"worker", "--data-dir", "d", "--lang", "en", "--debug"}, workerArgs("d", "en", true))
}

func TestWorkerCommandIsHidden(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	w, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.True(t, w.Hidden)
}
