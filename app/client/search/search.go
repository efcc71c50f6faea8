package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tutorgraph/app/config"
	"tutorgraph/app/failure"

	"github.com/samber/do"
	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"github.com/tmc/langchaingo/tools/wikipedia"
	"golang.org/x/sync/errgroup"
)

var _ do.Shutdownable = (*Service)(nil)

// Finding is one ranked search hit.
type Finding struct {
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// Service fans a query out to every configured tool and ranks findings by
// tool order.
type Service struct {
	tools      []tools.Tool
	maxResults int
	closers    []func() error
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	svc := &Service{maxResults: cfg.Search.MaxResults}

	for _, provider := range cfg.Search.Providers {
		switch provider {
		case "wikipedia":
			svc.tools = append(svc.tools, wikipedia.New(cfg.Search.UserAgent))
		case "duckduckgo":
			tool, err := duckduckgo.New(cfg.Search.MaxResults, cfg.Search.UserAgent)
			if err != nil {
				return nil, fmt.Errorf("failed to create duckduckgo tool: %w", err)
			}
			svc.tools = append(svc.tools, tool)
		case "mcp":
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			tool, closeFn, err := ConnectMCP(ctx, cfg.Search.MCP)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("failed to connect MCP search: %w", err)
			}
			svc.tools = append(svc.tools, tool)
			svc.closers = append(svc.closers, closeFn)
		}
	}

	if len(svc.tools) == 0 {
		return nil, fmt.Errorf("no search providers configured")
	}

	return svc, nil
}

func NewService(maxResults int, ts ...tools.Tool) *Service {
	return &Service{
		tools:      ts,
		maxResults: maxResults,
	}
}

func (s *Service) Search(ctx context.Context, query string) ([]Finding, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, failure.Newf(failure.KindNoResults, "search", "empty query")
	}

	outputs := make([]string, len(s.tools))
	errs := make([]error, len(s.tools))

	var group errgroup.Group
	for i, tool := range s.tools {
		group.Go(func() error {
			out, err := tool.Call(ctx, query)
			if err != nil && !noResult(err) {
				slog.WarnContext(ctx, "Search tool failed",
					"tool", tool.Name(),
					"error", err,
				)
				errs[i] = failure.Classify("search."+tool.Name(), err)
				return nil
			}
			outputs[i] = out
			return nil
		})
	}
	_ = group.Wait()

	var (
		findings  []Finding
		seen      = make(map[string]struct{})
		succeeded bool
		firstErr  error
	)

	for i, tool := range s.tools {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		succeeded = true

		for _, f := range parse(tool.Name(), outputs[i]) {
			key := strings.ToLower(f.Snippet)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			findings = append(findings, f)
		}
	}

	if !succeeded {
		return nil, firstErr
	}

	if len(findings) == 0 {
		return nil, failure.Newf(failure.KindNoResults, "search", "nothing found for %q", query)
	}

	if s.maxResults > 0 && len(findings) > s.maxResults {
		findings = findings[:s.maxResults]
	}

	return findings, nil
}

func (s *Service) Shutdown() error {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			return err
		}
	}

	return nil
}

// parse splits tool output into findings. Blocks are separated by blank
// lines; "URL:", "Page:" or "Source:" lines name the source.
func parse(toolName, output string) []Finding {
	var result []Finding

	for _, block := range strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || isEmptyAnswer(block) {
			continue
		}

		source := toolName
		var lines []string

		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			key, value, ok := strings.Cut(line, ":")
			if ok {
				switch strings.ToLower(key) {
				case "url", "source":
					source = toolName + ": " + strings.TrimSpace(value)
					continue
				case "page":
					source = toolName + ": " + strings.TrimSpace(value)
					line = strings.TrimSpace(value)
				case "title", "summary", "description":
					line = strings.TrimSpace(value)
				}
			}
			if line != "" {
				lines = append(lines, line)
			}
		}

		if len(lines) == 0 {
			continue
		}

		result = append(result, Finding{
			Snippet: strings.Join(lines, " "),
			Source:  source,
		})
	}

	return result
}

func isEmptyAnswer(block string) bool {
	lower := strings.ToLower(block)
	return strings.HasPrefix(lower, "no good") || strings.HasPrefix(lower, "no results")
}

func noResult(err error) bool {
	return isEmptyAnswer(err.Error())
}
