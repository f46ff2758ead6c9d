// Package pagebuilder decomposes a Luminate PageBuilder page into its
// component pages. PageBuilders nest through S42 include tags and through
// stylesheet/script references to other pagebuilder names; the decomposer
// walks the whole tree and reconstructs the hierarchy.
package pagebuilder

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// s42Ref matches the inline include tag, e.g. [[S42:reus_dm_header]].
var s42Ref = regexp.MustCompile(`\[\[S42:([A-Za-z0-9_\-]+)\]\]`)

// validName guards against walking into query-string garbage.
var validName = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Decomposer fetches and analyzes PageBuilder pages from one Luminate site.
type Decomposer struct {
	baseURL string
	client  *http.Client
	log     logrus.FieldLogger
}

// New creates a decomposer for the site at baseURL.
func New(baseURL string, log logrus.FieldLogger) *Decomposer {
	return &Decomposer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// Result is a full decomposition: every discovered component, its source,
// the parent-child hierarchy, and which components made the cut.
type Result struct {
	Pagename  string
	Files     map[string]string   // component name -> page source
	Hierarchy map[string][]string // component name -> direct children
	Inclusion map[string]bool     // component name -> not on the ignore list
	Names     []string            // discovery order, root first
}

// ExtractPagename pulls the PageBuilder name out of a raw name, an admin
// URL, or a public SPageServer URL. Returns "" when nothing usable is found.
func (d *Decomposer) ExtractPagename(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if validName.MatchString(input) {
		return input
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return ""
	}
	for _, key := range []string{"pagename", "pgwrap", "page"} {
		if v := parsed.Query().Get(key); v != "" && validName.MatchString(v) {
			return v
		}
	}
	// Fall back to the last path segment, e.g. .../SPageServer/name.
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		if validName.MatchString(last) {
			return last
		}
	}
	return ""
}

// Analyze walks the component tree rooted at pagename. Components on the
// ignore list are recorded as excluded and not descended into.
func (d *Decomposer) Analyze(ctx context.Context, pagename string, ignore []string) (*Result, error) {
	ignored := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		ignored[name] = true
	}

	res := &Result{
		Pagename:  pagename,
		Files:     make(map[string]string),
		Hierarchy: make(map[string][]string),
		Inclusion: make(map[string]bool),
	}

	queue := []string{pagename}
	seen := map[string]bool{pagename: true}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		res.Names = append(res.Names, name)

		if ignored[name] {
			res.Inclusion[name] = false
			continue
		}
		res.Inclusion[name] = true

		content, err := d.fetch(ctx, name)
		if err != nil {
			if name == pagename {
				return nil, fmt.Errorf("fetch root pagebuilder %q: %w", name, err)
			}
			d.log.WithField("component", name).WithError(err).Warn("component fetch failed")
			continue
		}
		res.Files[name] = content

		children := d.findComponents(content)
		res.Hierarchy[name] = children
		for _, child := range children {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	if len(res.Files) == 0 {
		return nil, fmt.Errorf("no content found for pagebuilder %q", pagename)
	}
	return res, nil
}

// findComponents extracts referenced pagebuilder names from page source:
// inline S42 tags plus href/src attributes pointing at other pagebuilders.
func (d *Decomposer) findComponents(content string) []string {
	found := map[string]bool{}
	var names []string
	add := func(name string) {
		if name != "" && validName.MatchString(name) && !found[name] {
			found[name] = true
			names = append(names, name)
		}
	}

	for _, m := range s42Ref.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return names
	}
	doc.Find("link[href], script[src], a[href], iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		ref, ok := sel.Attr("href")
		if !ok {
			ref, _ = sel.Attr("src")
		}
		if !strings.Contains(ref, "pagename=") {
			return
		}
		if parsed, err := url.Parse(ref); err == nil {
			add(parsed.Query().Get("pagename"))
		}
	})

	return names
}

// ExportZip packages a decomposition into a ZIP: the root page at the top
// level and each component under components/.
func (d *Decomposer) ExportZip(res *Result) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	write := func(path, content string) error {
		f, err := zw.Create(path)
		if err != nil {
			return err
		}
		_, err = f.Write([]byte(content))
		return err
	}

	if root, ok := res.Files[res.Pagename]; ok {
		if err := write(res.Pagename+".html", root); err != nil {
			return nil, fmt.Errorf("write root page: %w", err)
		}
	}
	for _, name := range res.Names {
		if name == res.Pagename {
			continue
		}
		content, ok := res.Files[name]
		if !ok {
			continue
		}
		if err := write("components/"+name+".html", content); err != nil {
			return nil, fmt.Errorf("write component %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Decomposer) fetch(ctx context.Context, pagename string) (string, error) {
	target := fmt.Sprintf("%s/site/SPageServer?pagename=%s", d.baseURL, url.QueryEscape(pagename))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
