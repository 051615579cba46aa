package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Snippet      string `json:"snippet"`
	DepartmentID string `json:"departmentId"`
	Status       string `json:"status"`
}

// Query describes a template search request.
type Query struct {
	Text               string
	FilterStatus       string
	FilterDepartmentID string
	Limit              int
	Offset             int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over templates.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TemplateRecord is the data we index for a template.
type TemplateRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	DepartmentID string `json:"departmentId"`
	Status       string `json:"status"`
}
