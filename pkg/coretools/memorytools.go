package coretools

import (
	"context"
	"fmt"
	"strings"

	"github.com/okabe/himari/pkg/memory"
	"github.com/okabe/himari/pkg/toolexec"
)

func memorySaveTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "memory_save",
		Description: "Save a durable note about this chat for future runs.",
		SideEffect:  true,
		Parameters: []toolexec.Parameter{
			{Name: "content", Type: "string", Description: "The fact or note to remember.", Required: true},
			{Name: "category", Type: "string", Description: "Optional category label (default 'note').", Required: false},
			{Name: "importance", Type: "number", Description: "Importance from 0 to 1 (default 0.5).", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			category := optionalStringArg(args, "category")
			if category == "" {
				category = "note"
			}
			opts.Memory.Save(ctx, memorySaveRequest(opts, content, category, optionalFloatArg(args, "importance", 0.5)))
			return "Memory saved.", nil
		},
	}
}

func memorySaveRequest(opts Options, content, category string, importance float64) memory.SaveRequest {
	return memory.SaveRequest{
		ChatID:     opts.ChatID,
		UserID:     opts.UserID,
		SessionID:  opts.SessionID,
		SourceRole: "assistant",
		Category:   category,
		Content:    content,
		Importance: importance,
	}
}

func memorySearchTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "memory_search",
		Description: "Search saved memories for this chat.",
		Parameters: []toolexec.Parameter{
			{Name: "query", Type: "string", Description: "What to look for.", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			entries, err := opts.Memory.Recall(ctx, opts.ChatID, query)
			if err != nil {
				return "", fmt.Errorf("memory search failed: %w", err)
			}
			if len(entries) == 0 {
				return "No matching memories.", nil
			}

			var lines []string
			for i, entry := range entries {
				text := entry.Memory.Content
				if entry.Memory.Summary != nil && *entry.Memory.Summary != "" {
					text = *entry.Memory.Summary
				}
				lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, entry.Memory.SourceRole, text))
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}
