package phases

import (
	"context"
	"strings"
	"sync"

	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
)

// fakeCompleter answers with fn and records usage like the router does
type fakeCompleter struct {
	mu    sync.Mutex
	calls map[router.TaskKind]int
	fn    func(kind router.TaskKind, system, user string) (string, error)
}

func newFakeCompleter(fn func(kind router.TaskKind, system, user string) (string, error)) *fakeCompleter {
	return &fakeCompleter{calls: make(map[router.TaskKind]int), fn: fn}
}

func (f *fakeCompleter) Chat(ctx context.Context, kind router.TaskKind, messages []llm.Message, params llm.Params, usage *router.UsageTracker) (*llm.Response, error) {
	f.mu.Lock()
	f.calls[kind]++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := f.fn(kind, messages[0].Content, messages[len(messages)-1].Content)
	if err != nil {
		return nil, err
	}
	if usage != nil {
		usage.Record("fake-model", 10, 5)
	}
	return &llm.Response{Content: content, Model: "fake-model", PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeCompleter) count(kind router.TaskKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// isBatch tells the batch prompt apart from the single-source prompt
func isBatch(system string) bool { return strings.Contains(system, "every numbered source") }

type fakeSearcher struct {
	fn     func(subtopic string) (*session.SubtopicSearch, error)
	calls  int
	limits []int
}

func (f *fakeSearcher) SearchSubtopic(ctx context.Context, subtopic, question string, limit int) (*session.SubtopicSearch, error) {
	f.calls++
	f.limits = append(f.limits, limit)
	return f.fn(subtopic)
}

// snippetContent never fetches
type snippetContent struct{}

func (snippetContent) ContentOrSnippet(ctx context.Context, url, snippet string) (string, bool) {
	return snippet, false
}
