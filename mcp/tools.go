package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/api"
)

// schema builds a minimal JSON-schema object for a tool's input.
func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterMemoryTools wires the query/mutation operations and the digest
// and instinct resources onto the server.
func RegisterMemoryTools(s *Server, a *api.API) {
	s.AddTool(summaryTool(a))
	s.AddTool(searchTool(a))
	s.AddTool(storeTool(a))
	s.AddTool(instinctListTool(a))
	s.AddTool(instinctShowTool(a))
	s.AddTool(instinctDeleteTool(a))
	s.AddTool(instinctExtractTool(a))

	s.AddResource(Resource{
		URI:         "engram://digest",
		Name:        "Memory digest",
		Description: "Layered digest of the active fact set",
		MimeType:    "application/json",
		Read: func(ctx context.Context) (string, error) {
			d, err := a.Digest(ctx)
			if err != nil {
				return "", err
			}
			data, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})
	s.AddResource(Resource{
		URI:         "engram://instincts",
		Name:        "Learned instincts",
		Description: "Behavioral rules synthesized from cases and patterns",
		MimeType:    "application/json",
		Read: func(ctx context.Context) (string, error) {
			instincts, err := a.ListInstincts(ctx)
			if err != nil {
				return "", err
			}
			data, err := json.MarshalIndent(instincts, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})
}

func summaryTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "memory_summary",
			Description: "One-line summary of the memory store: date, fact count, top categories.",
			InputSchema: schema(map[string]any{}),
		},
		Execute: func(ctx context.Context, _ json.RawMessage) ToolCallResult {
			summary, err := a.Summary(ctx)
			if err != nil {
				return ErrorResult(err.Error())
			}
			return TextResult(summary)
		},
	}
}

// searchArgs is the memory_search tool input.
type searchArgs struct {
	Query          string   `json:"query"`
	Semantic       string   `json:"semantic"`
	Prefix         string   `json:"prefix"`
	Keys           []string `json:"keys"`
	Limit          int      `json:"limit"`
	Type           string   `json:"type"`
	Subject        string   `json:"subject"`
	MaxAgeDays     int      `json:"max_age_days"`
	SourceVerified bool     `json:"source_verified"`
}

func searchTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "memory_search",
			Description: "Hybrid keyword/semantic search over active facts. Returns key, value, and score.",
			InputSchema: schema(map[string]any{
				"query":           map[string]any{"type": "string", "description": "keyword query"},
				"semantic":        map[string]any{"type": "string", "description": "natural-language semantic query"},
				"prefix":          map[string]any{"type": "string", "description": "key prefix filter, e.g. user."},
				"keys":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"limit":           map[string]any{"type": "integer"},
				"type":            map[string]any{"type": "string", "description": "fact, pref, entity, event, agent, inferred, error, all"},
				"subject":         map[string]any{"type": "string"},
				"max_age_days":    map[string]any{"type": "integer"},
				"source_verified": map[string]any{"type": "boolean"},
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) ToolCallResult {
			var args searchArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return ErrorResult("invalid arguments: " + err.Error())
				}
			}
			results, err := a.Search(ctx, api.SearchRequest{
				Text:     args.Query,
				Semantic: args.Semantic,
				Prefix:   args.Prefix,
				Keys:     args.Keys,
				Limit:    args.Limit,
				Type:     args.Type,
				Filters: engram.SearchFilters{
					Subject:        args.Subject,
					MaxAgeDays:     args.MaxAgeDays,
					SourceVerified: args.SourceVerified,
				},
			})
			if err != nil {
				return ErrorResult(err.Error())
			}
			if len(results) == 0 {
				return TextResult("no matching facts")
			}
			var b strings.Builder
			for i, r := range results {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "%s: %s (%.3f)", r.Fact.Key, r.Fact.Value, r.Score)
			}
			return TextResult(b.String())
		},
	}
}

// storeArgs is the memory_store tool input.
type storeArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func storeTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "memory_store",
			Description: "Store a fact under a dotted key. A changed value supersedes the previous one.",
			InputSchema: schema(map[string]any{
				"key":   map[string]any{"type": "string", "description": "dotted key, e.g. user.preference.editor"},
				"value": map[string]any{"type": "string"},
			}, "key", "value"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) ToolCallResult {
			var args storeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
			if args.Key == "" || args.Value == "" {
				return ErrorResult("key and value are required")
			}
			outcome, err := a.Store(ctx, args.Key, args.Value, "mcp:store")
			if err != nil {
				return ErrorResult(err.Error())
			}
			return TextResult(fmt.Sprintf("%s: %s", args.Key, outcome))
		},
	}
}

func instinctListTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "instinct_list",
			Description: "List learned instincts with confidence scores.",
			InputSchema: schema(map[string]any{}),
		},
		Execute: func(ctx context.Context, _ json.RawMessage) ToolCallResult {
			instincts, err := a.ListInstincts(ctx)
			if err != nil {
				return ErrorResult(err.Error())
			}
			if len(instincts) == 0 {
				return TextResult("no instincts learned yet")
			}
			var b strings.Builder
			for i, inst := range instincts {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "[%.1f] %s.%s: %s -> %s",
					inst.Confidence, inst.Domain, inst.Name, inst.Trigger, inst.Action)
			}
			return TextResult(b.String())
		},
	}
}

// nameArgs is the shared input of instinct_show and instinct_delete.
type nameArgs struct {
	Name string `json:"name"`
}

func instinctShowTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "instinct_show",
			Description: "Show one instinct by name or full key.",
			InputSchema: schema(map[string]any{
				"name": map[string]any{"type": "string"},
			}, "name"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) ToolCallResult {
			var args nameArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
			inst, err := a.ShowInstinct(ctx, args.Name)
			if err != nil {
				return ErrorResult(err.Error())
			}
			data, err := json.MarshalIndent(inst, "", "  ")
			if err != nil {
				return ErrorResult(err.Error())
			}
			return TextResult(string(data))
		},
	}
}

func instinctDeleteTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "instinct_delete",
			Description: "Delete an instinct by name or full key.",
			InputSchema: schema(map[string]any{
				"name": map[string]any{"type": "string"},
			}, "name"),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) ToolCallResult {
			var args nameArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
			if err := a.DeleteInstinct(ctx, args.Name); err != nil {
				return ErrorResult(err.Error())
			}
			return TextResult("deleted " + args.Name)
		},
	}
}

// extractArgs is the instinct_extract tool input.
type extractArgs struct {
	MinConfidence float64 `json:"min_confidence"`
	Store         bool    `json:"store"`
}

func instinctExtractTool(a *api.API) ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{
			Name:        "instinct_extract",
			Description: "Synthesize instincts from stored cases and patterns, optionally persisting them.",
			InputSchema: schema(map[string]any{
				"min_confidence": map[string]any{"type": "number"},
				"store":          map[string]any{"type": "boolean"},
			}),
		},
		Execute: func(ctx context.Context, raw json.RawMessage) ToolCallResult {
			var args extractArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return ErrorResult("invalid arguments: " + err.Error())
				}
			}
			instincts, err := a.ExtractInstincts(ctx, args.MinConfidence, args.Store)
			if err != nil {
				return ErrorResult(err.Error())
			}
			return TextResult(fmt.Sprintf("%d instincts synthesized (persisted: %t)", len(instincts), args.Store))
		},
	}
}
