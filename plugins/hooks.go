// Package plugins is the in-process extension bus. Each hook name has a typed
// payload and an ordered chain of transforms; every transform receives the
// output of the previous one.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agora/models"
)

const (
	HookTopicsGet     = "filter:topics.get"
	HookTopicGet      = "filter:topic.get"
	HookThreadTools   = "filter:topic.thread_tools"
	HookPostSummaries = "filter:post.summaries"
)

type TopicsPayload struct {
	Topics []*models.Topic
	UID    int64
}

type TopicPayload struct {
	Topic *models.TopicView
	UID   int64
}

type ThreadToolsPayload struct {
	Topic *models.Topic
	UID   int64
	Tools []models.ThreadTool
}

type PostSummariesPayload struct {
	Posts []*models.Post
	UID   int64
}

type (
	TopicsHook        func(context.Context, TopicsPayload) (TopicsPayload, error)
	TopicHook         func(context.Context, TopicPayload) (TopicPayload, error)
	ThreadToolsHook   func(context.Context, ThreadToolsPayload) (ThreadToolsPayload, error)
	PostSummariesHook func(context.Context, PostSummariesPayload) (PostSummariesPayload, error)
)

// Hooks holds the registered transforms. The zero value and a nil *Hooks are
// both usable and pass payloads through unchanged.
type Hooks struct {
	mu            sync.RWMutex
	logger        *slog.Logger
	topicsGet     []TopicsHook
	topicGet      []TopicHook
	threadTools   []ThreadToolsHook
	postSummaries []PostSummariesHook
}

func New(logger *slog.Logger) *Hooks {
	return &Hooks{logger: logger}
}

func (h *Hooks) OnTopicsGet(fn TopicsHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topicsGet = append(h.topicsGet, fn)
}

func (h *Hooks) OnTopicGet(fn TopicHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topicGet = append(h.topicGet, fn)
}

func (h *Hooks) OnThreadTools(fn ThreadToolsHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threadTools = append(h.threadTools, fn)
}

func (h *Hooks) OnPostSummaries(fn PostSummariesHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postSummaries = append(h.postSummaries, fn)
}

// FireTopicsGet runs filter:topics.get. A transform that drops the topic list
// is ignored and the chain continues from its input.
func (h *Hooks) FireTopicsGet(ctx context.Context, p TopicsPayload) (TopicsPayload, error) {
	if h == nil {
		return p, nil
	}
	h.mu.RLock()
	chain := append([]TopicsHook(nil), h.topicsGet...)
	h.mu.RUnlock()

	for i, fn := range chain {
		out, err := fn(ctx, p)
		if err != nil {
			return p, fmt.Errorf("%s hook %d: %w", HookTopicsGet, i, err)
		}
		if out.Topics == nil {
			h.warn(HookTopicsGet, i)
			continue
		}
		p = out
	}
	return p, nil
}

// FireTopicGet runs filter:topic.get over an assembled topic view.
func (h *Hooks) FireTopicGet(ctx context.Context, p TopicPayload) (TopicPayload, error) {
	if h == nil {
		return p, nil
	}
	h.mu.RLock()
	chain := append([]TopicHook(nil), h.topicGet...)
	h.mu.RUnlock()

	for i, fn := range chain {
		out, err := fn(ctx, p)
		if err != nil {
			return p, fmt.Errorf("%s hook %d: %w", HookTopicGet, i, err)
		}
		if out.Topic == nil || out.Topic.Topic == nil {
			h.warn(HookTopicGet, i)
			continue
		}
		if out.Topic.Posts == nil {
			out.Topic.Posts = []*models.Post{}
		}
		p = out
	}
	return p, nil
}

// FireThreadTools collects extra thread tools from plugins.
func (h *Hooks) FireThreadTools(ctx context.Context, p ThreadToolsPayload) (ThreadToolsPayload, error) {
	if p.Tools == nil {
		p.Tools = []models.ThreadTool{}
	}
	if h == nil {
		return p, nil
	}
	h.mu.RLock()
	chain := append([]ThreadToolsHook(nil), h.threadTools...)
	h.mu.RUnlock()

	for i, fn := range chain {
		out, err := fn(ctx, p)
		if err != nil {
			return p, fmt.Errorf("%s hook %d: %w", HookThreadTools, i, err)
		}
		if out.Tools == nil {
			h.warn(HookThreadTools, i)
			continue
		}
		p = out
	}
	return p, nil
}

// FirePostSummaries runs filter:post.summaries over a feed of post summaries.
func (h *Hooks) FirePostSummaries(ctx context.Context, p PostSummariesPayload) (PostSummariesPayload, error) {
	if h == nil {
		return p, nil
	}
	h.mu.RLock()
	chain := append([]PostSummariesHook(nil), h.postSummaries...)
	h.mu.RUnlock()

	for i, fn := range chain {
		out, err := fn(ctx, p)
		if err != nil {
			return p, fmt.Errorf("%s hook %d: %w", HookPostSummaries, i, err)
		}
		if out.Posts == nil {
			h.warn(HookPostSummaries, i)
			continue
		}
		p = out
	}
	return p, nil
}

func (h *Hooks) warn(hook string, index int) {
	if h.logger != nil {
		h.logger.Warn("Hook returned an unexpected payload shape, keeping previous value", "hook", hook, "index", index)
	}
}
