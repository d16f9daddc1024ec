package progress

import "regexp"

var (
	azureServicePattern = regexp.MustCompile(`azure-docs/tree/[^/]+/articles/([^/]+)`)
	articlesPattern     = regexp.MustCompile(`/articles/([^/]+)`)
	repoPattern         = regexp.MustCompile(`github\.com/[^/]+/([^/]+)`)
)

// DocSet extracts the documentation-set name from a page URL, the Go
// equivalent of extract_doc_set_from_url: azure-docs URLs resolve to the
// Azure service under articles/, anything else under articles/ resolves to
// that first segment, and everything else falls back to the repo name.
func DocSet(url string) string {
	if url == "" {
		return ""
	}
	if m := azureServicePattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	if m := articlesPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	if m := repoPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}
