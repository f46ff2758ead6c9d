// Package textclean turns the plain-text output of HTML-to-text email
// conversions into readable copy: tracking junk stripped from URLs, CTA
// lines reformatted, link/label pairs converted to markdown, and whitespace
// normalized.
package textclean

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Tracking query parameters that never belong in a shared link.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "utm_id": true,
	"utm_source_platform": true, "utm_creative_format": true,
	"utm_marketing_tactic": true,
	"fbclid":               true, "gclid": true, "msclkid": true,
	"_ga": true, "mc_cid": true, "mc_eid": true,
	"mkt_tok": true, "trk": true, "trkid": true,
	"icid": true, "igshid": true, "zanpid": true,
}

// Phrases that mark a line as a call to action.
var ctaPhrases = []string{
	"click here", "learn more", "get started", "sign up", "register now",
	"join now", "subscribe", "download", "read more", "view more",
	"shop now", "buy now", "order now", "book now", "reserve",
	"discover", "explore", "find out more", "see more", "get it now",
	"try it free", "start free trial", "claim offer", "redeem",
	"donate", "give now",
}

var (
	urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	// "CLICK HERE" or "Learn more:" immediately followed by a URL.
	ctaColonPattern = regexp.MustCompile(`(?m)^([A-Za-z][A-Za-z\s]{2,50}?):?\s*\n?\s*(https?://\S+)\s*$`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
	trailingSpace   = regexp.MustCompile(`(?m)[ \t]+$`)
)

// Options select which transformations run.
type Options struct {
	StripTracking bool
	FormatCTAs    bool
	MarkdownLinks bool
}

// DefaultOptions enables everything.
func DefaultOptions() Options {
	return Options{StripTracking: true, FormatCTAs: true, MarkdownLinks: true}
}

// Stats counts the changes a Beautify pass made.
type Stats struct {
	URLsCleaned      int
	TrackingStripped int
	CTAsFormatted    int
	LinksConverted   int
	LinesNormalized  int
}

// Beautify applies the selected cleanups and reports what changed.
func Beautify(raw string, opts Options) (string, Stats) {
	stats := Stats{}
	text := strings.ReplaceAll(raw, "\r\n", "\n")

	if opts.StripTracking {
		text = urlPattern.ReplaceAllStringFunc(text, func(match string) string {
			cleaned, stripped := CleanURL(match)
			if stripped > 0 {
				stats.URLsCleaned++
				stats.TrackingStripped += stripped
			}
			return cleaned
		})
	}

	if opts.FormatCTAs {
		text = ctaColonPattern.ReplaceAllStringFunc(text, func(match string) string {
			groups := ctaColonPattern.FindStringSubmatch(match)
			label, link := strings.TrimSpace(groups[1]), strings.TrimSpace(groups[2])
			if !isCTA(label) {
				return match
			}
			stats.CTAsFormatted++
			return fmt.Sprintf("→ %s: %s", strings.ToUpper(label), link)
		})
	}

	if opts.MarkdownLinks {
		text, stats.LinksConverted = markdownizeLinks(text)
	}

	// Collapse runs of blank lines and strip trailing whitespace.
	normalized := blankRuns.ReplaceAllString(text, "\n\n")
	normalized = trailingSpace.ReplaceAllString(normalized, "")
	if normalized != text {
		stats.LinesNormalized = strings.Count(text, "\n") - strings.Count(normalized, "\n")
		if stats.LinesNormalized < 0 {
			stats.LinesNormalized = 0
		}
	}

	return strings.TrimSpace(normalized) + "\n", stats
}

// CleanURL removes tracking parameters, returning the cleaned URL and how
// many parameters were dropped. Unparseable URLs pass through untouched.
func CleanURL(raw string) (string, int) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return raw, 0
	}

	query := parsed.Query()
	stripped := 0
	for key := range query {
		if trackingParams[strings.ToLower(key)] {
			query.Del(key)
			stripped++
		}
	}
	if stripped == 0 {
		return raw, 0
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), stripped
}

// markdownizeLinks rewrites "label\nURL" pairs (where the label is not a
// CTA) into [label](URL) form.
func markdownizeLinks(text string) (string, int) {
	lines := strings.Split(text, "\n")
	converted := 0

	for i := 0; i+1 < len(lines); i++ {
		label := strings.TrimSpace(lines[i])
		link := strings.TrimSpace(lines[i+1])
		if label == "" || strings.HasPrefix(label, "→") {
			continue
		}
		if !urlPattern.MatchString(link) || urlPattern.FindString(link) != link {
			continue
		}
		if urlPattern.MatchString(label) || isCTA(label) || len(label) > 80 {
			continue
		}
		lines[i] = fmt.Sprintf("[%s](%s)", label, link)
		lines[i+1] = ""
		converted++
		i++
	}

	if converted == 0 {
		return text, 0
	}
	return strings.Join(lines, "\n"), converted
}

func isCTA(label string) bool {
	lower := strings.ToLower(label)
	for _, phrase := range ctaPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
