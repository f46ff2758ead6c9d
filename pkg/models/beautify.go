package models

// BeautifyRequest carries raw plain-text email content for cleanup.
type BeautifyRequest struct {
	RawText       string `json:"rawText"`
	StripTracking *bool  `json:"stripTracking,omitempty"`
	FormatCTAs    *bool  `json:"formatCtas,omitempty"`
	MarkdownLinks *bool  `json:"markdownLinks,omitempty"`
}

// BeautifyStats summarizes the transformations applied.
type BeautifyStats struct {
	URLsCleaned      int `json:"urlsCleaned"`
	CTAsFormatted    int `json:"ctasFormatted"`
	LinksConverted   int `json:"linksConverted"`
	LinesNormalized  int `json:"linesNormalized"`
	TrackingStripped int `json:"trackingStripped"`
}

// BeautifyResponse returns the cleaned text plus change statistics.
type BeautifyResponse struct {
	Success        bool          `json:"success"`
	BeautifiedText string        `json:"beautifiedText"`
	Stats          BeautifyStats `json:"stats"`
	Message        string        `json:"message"`
	Error          string        `json:"error,omitempty"`
}
