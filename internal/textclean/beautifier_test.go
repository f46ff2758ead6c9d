package textclean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanURL(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     string
		stripped int
	}{
		{
			name:     "single utm parameter",
			in:       "https://example.org/page?utm_source=newsletter&id=5",
			want:     "https://example.org/page?id=5",
			stripped: 1,
		},
		{
			name:     "multiple trackers",
			in:       "https://example.org/?utm_source=a&utm_medium=b&fbclid=xyz",
			want:     "https://example.org/",
			stripped: 3,
		},
		{
			name:     "clean url untouched",
			in:       "https://example.org/page?id=5&q=hello",
			want:     "https://example.org/page?id=5&q=hello",
			stripped: 0,
		},
		{
			name:     "tracker keys match case insensitively",
			in:       "https://example.org/?UTM_Source=a",
			want:     "https://example.org/",
			stripped: 1,
		},
		{
			name:     "relative url passes through",
			in:       "/page?utm_source=a",
			want:     "/page?utm_source=a",
			stripped: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := CleanURL(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.stripped, n)
		})
	}
}

func TestBeautifyStripsTracking(t *testing.T) {
	in := "Check this out:\nhttps://example.org/offer?utm_campaign=spring&code=X\n"
	out, stats := Beautify(in, Options{StripTracking: true})

	assert.Contains(t, out, "https://example.org/offer?code=X")
	assert.NotContains(t, out, "utm_campaign")
	assert.Equal(t, 1, stats.URLsCleaned)
	assert.Equal(t, 1, stats.TrackingStripped)
}

func TestBeautifyFormatsCTAs(t *testing.T) {
	in := "Donate: https://example.org/give\n\nSome regular text here.\n"
	out, stats := Beautify(in, Options{FormatCTAs: true})

	assert.Contains(t, out, "→ DONATE: https://example.org/give")
	assert.Equal(t, 1, stats.CTAsFormatted)
	assert.Contains(t, out, "Some regular text here.")
}

func TestBeautifyNonCTALabelLeftAlone(t *testing.T) {
	in := "Annual Report: https://example.org/report.pdf\n"
	out, stats := Beautify(in, Options{FormatCTAs: true})

	assert.NotContains(t, out, "→")
	assert.Zero(t, stats.CTAsFormatted)
}

func TestBeautifyMarkdownLinks(t *testing.T) {
	in := "Our homepage\nhttps://example.org/\nplain text after\n"
	out, stats := Beautify(in, Options{MarkdownLinks: true})

	assert.Contains(t, out, "[Our homepage](https://example.org/)")
	assert.Equal(t, 1, stats.LinksConverted)
	assert.Contains(t, out, "plain text after")
}

func TestBeautifyMarkdownSkipsCTALabels(t *testing.T) {
	in := "Click here\nhttps://example.org/\n"
	out, stats := Beautify(in, Options{MarkdownLinks: true})

	assert.NotContains(t, out, "[Click here]")
	assert.Zero(t, stats.LinksConverted)
}

func TestBeautifyNormalizesWhitespace(t *testing.T) {
	in := "line one   \n\n\n\n\nline two\t\n"
	out, _ := Beautify(in, Options{})

	assert.Equal(t, "line one\n\nline two\n", out)
}

func TestBeautifyDefaultOptionsFullPass(t *testing.T) {
	in := strings.Join([]string{
		"Welcome to our Spring Appeal!",
		"",
		"Read the full story",
		"https://example.org/story?utm_source=email&utm_medium=blast",
		"",
		"",
		"",
		"Give now: https://example.org/donate?mc_cid=123",
		"",
	}, "\n")

	out, stats := Beautify(in, DefaultOptions())

	assert.Contains(t, out, "[Read the full story](https://example.org/story)")
	assert.Contains(t, out, "→ GIVE NOW: https://example.org/donate")
	assert.NotContains(t, out, "utm_")
	assert.NotContains(t, out, "mc_cid")
	assert.Equal(t, 2, stats.URLsCleaned)
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.NotContains(t, out, "\n\n\n")
}
