package coretools

import (
	"context"

	"github.com/okabe/himari/pkg/toolexec"
)

// Searcher backs the web_search tool. Implementations return a concise
// Markdown summary of results.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) (string, error)
}

const defaultSearchResults = 5

func webSearchTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "web_search",
		Description: "Search the web using configured providers and return a concise Markdown summary.",
		Parameters: []toolexec.Parameter{
			{Name: "query", Type: "string", Description: "Search query.", Required: true},
			{Name: "max_results", Type: "integer", Description: "Maximum number of results (default 5).", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			maxResults := optionalIntArg(args, "max_results", defaultSearchResults)
			if maxResults < 1 {
				maxResults = defaultSearchResults
			}
			return opts.Searcher.Search(ctx, query, maxResults)
		},
	}
}
