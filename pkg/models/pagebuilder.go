package models

// PageBuilderRequest asks for decomposition of a PageBuilder page, given
// either its full admin URL or its bare name.
type PageBuilderRequest struct {
	URLOrName              string `json:"urlOrName"`
	BaseURL                string `json:"baseUrl,omitempty"`
	IgnoreGlobalStylesheet *bool  `json:"ignoreGlobalStylesheet,omitempty"`
}

// PageBuilderComponent is one node of the component hierarchy.
type PageBuilderComponent struct {
	Name       string   `json:"name"`
	IsIncluded bool     `json:"isIncluded"`
	Children   []string `json:"children"`
}

// PageBuilderResponse is the analysis result for a PageBuilder page.
type PageBuilderResponse struct {
	Success            bool                   `json:"success"`
	Pagename           string                 `json:"pagename"`
	TotalComponents    int                    `json:"totalComponents"`
	IncludedComponents int                    `json:"includedComponents"`
	ExcludedComponents int                    `json:"excludedComponents"`
	Hierarchy          map[string][]string    `json:"hierarchy"`
	Components         []PageBuilderComponent `json:"components"`
	Message            string                 `json:"message"`
	Error              string                 `json:"error,omitempty"`
}
