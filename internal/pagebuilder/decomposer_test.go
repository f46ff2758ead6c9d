package pagebuilder

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// fakeSite serves SPageServer lookups from an in-memory page map.
func fakeSite(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/site/SPageServer" {
			http.NotFound(w, r)
			return
		}
		content, ok := pages[r.URL.Query().Get("pagename")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, content)
	}))
}

func TestExtractPagename(t *testing.T) {
	d := New("https://example.org", testLog())

	tests := []struct {
		in   string
		want string
	}{
		{"spring_appeal_2026", "spring_appeal_2026"},
		{"  spring_appeal_2026  ", "spring_appeal_2026"},
		{"https://example.org/site/SPageServer?pagename=home_page", "home_page"},
		{"https://example.org/admin/PageBuilder?pgwrap=wrap_main", "wrap_main"},
		{"https://example.org/site/SPageServer/standalone_page", "standalone_page"},
		{"https://example.org/?page=alt_name", "alt_name"},
		{"", ""},
		{"no spaces allowed!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.ExtractPagename(tt.in), "input %q", tt.in)
	}
}

func TestAnalyzeWalksComponentTree(t *testing.T) {
	pages := map[string]string{
		"root_page": `<html><body>
			[[S42:header_block]]
			<link rel="stylesheet" href="/site/SPageServer?pagename=site_styles">
			<p>body copy</p>
			[[S42:footer_block]]
		</body></html>`,
		"header_block": `<div>[[S42:nav_block]]</div>`,
		"footer_block": `<div>footer</div>`,
		"site_styles":  `body { color: red }`,
		"nav_block":    `<nav>links</nav>`,
	}
	srv := fakeSite(t, pages)
	defer srv.Close()

	d := New(srv.URL, testLog())
	res, err := d.Analyze(context.Background(), "root_page", nil)
	require.NoError(t, err)

	assert.Equal(t, "root_page", res.Pagename)
	assert.Equal(t, "root_page", res.Names[0])
	assert.Len(t, res.Files, 5)
	assert.ElementsMatch(t, []string{"header_block", "site_styles", "footer_block"}, res.Hierarchy["root_page"])
	assert.Equal(t, []string{"nav_block"}, res.Hierarchy["header_block"])
	for name := range pages {
		assert.True(t, res.Inclusion[name], "%s should be included", name)
	}
}

func TestAnalyzeHonorsIgnoreList(t *testing.T) {
	pages := map[string]string{
		"root_page":    `[[S42:header_block]] [[S42:global_styles]]`,
		"header_block": `<div>header</div>`,
		// global_styles would recurse forever if descended into.
		"global_styles": `[[S42:root_page]]`,
	}
	srv := fakeSite(t, pages)
	defer srv.Close()

	d := New(srv.URL, testLog())
	res, err := d.Analyze(context.Background(), "root_page", []string{"global_styles"})
	require.NoError(t, err)

	assert.False(t, res.Inclusion["global_styles"])
	assert.NotContains(t, res.Files, "global_styles")
	assert.Contains(t, res.Names, "global_styles")
	assert.True(t, res.Inclusion["header_block"])
}

func TestAnalyzeMissingComponentIsNotFatal(t *testing.T) {
	pages := map[string]string{
		"root_page": `[[S42:gone_block]] <p>still here</p>`,
	}
	srv := fakeSite(t, pages)
	defer srv.Close()

	d := New(srv.URL, testLog())
	res, err := d.Analyze(context.Background(), "root_page", nil)
	require.NoError(t, err)

	assert.Contains(t, res.Files, "root_page")
	assert.NotContains(t, res.Files, "gone_block")
}

func TestAnalyzeMissingRootIsFatal(t *testing.T) {
	srv := fakeSite(t, map[string]string{})
	defer srv.Close()

	d := New(srv.URL, testLog())
	_, err := d.Analyze(context.Background(), "no_such_page", nil)
	assert.Error(t, err)
}

func TestAnalyzeCycleTerminates(t *testing.T) {
	pages := map[string]string{
		"page_a": `[[S42:page_b]]`,
		"page_b": `[[S42:page_a]]`,
	}
	srv := fakeSite(t, pages)
	defer srv.Close()

	d := New(srv.URL, testLog())
	res, err := d.Analyze(context.Background(), "page_a", nil)
	require.NoError(t, err)
	assert.Len(t, res.Names, 2)
}

func TestExportZipLayout(t *testing.T) {
	res := &Result{
		Pagename: "root_page",
		Names:    []string{"root_page", "header_block", "footer_block"},
		Files: map[string]string{
			"root_page":    "<html>root</html>",
			"header_block": "<div>header</div>",
			"footer_block": "<div>footer</div>",
		},
	}

	d := New("https://example.org", testLog())
	data, err := d.ExportZip(res)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = string(body)
	}

	assert.Equal(t, "<html>root</html>", entries["root_page.html"])
	assert.Equal(t, "<div>header</div>", entries["components/header_block.html"])
	assert.Equal(t, "<div>footer</div>", entries["components/footer_block.html"])
	assert.Len(t, entries, 3)
}
