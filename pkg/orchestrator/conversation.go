package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgebuild/forge/pkg/bridge"
	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/registry"
)

const (
	messageTrimThreshold = 100
	messageTrimKeepTail  = 10
)

// errIterationCap signals a conversation hit its iteration cap without
// reaching its goal. Callers decide whether that fails the build or only
// the feature.
var errIterationCap = errors.New("orchestrator: iteration cap reached")

const trimNotice = "Earlier conversation history was trimmed to stay within limits. " +
	"The feature manifest on disk remains the source of truth; re-read it if needed."

const continueNudge = "Continue with the next step. Use the tools to make progress, " +
	"and re-check feature_list.json to see what remains."

// resetCounter caps summarized context resets per build. Shared across
// phases and subagents.
type resetCounter struct {
	mu sync.Mutex
	n  int
}

// increment returns the new count and whether it is within the cap.
func (r *resetCounter) increment() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return r.n, r.n <= contextResetCap
}

// session is one LLM conversation: the planning loop, the sequential
// builder, or a single subagent.
type session struct {
	client llm.Client
	bridge *bridge.Bridge
	pub    *events.Publisher
	state  *registry.BuildState
	resets *resetCounter

	system          string
	messages        []llm.Message
	enableWebSearch bool
	trimEnabled     bool

	// summary rebuilds the opening prompt after a context reset.
	summary func(ctx context.Context) string
}

// iterationHook runs after each model response and its tool batch. done
// ends the conversation successfully.
type iterationHook func(ctx context.Context, resp *llm.Response) (done bool, err error)

// run drives the conversation until the hook reports done, the iteration
// cap is hit (errIterationCap), or the build is cancelled.
func (s *session) run(ctx context.Context, maxIterations int, hook iterationHook) error {
	for iter := 0; iter < maxIterations; iter++ {
		if err := s.state.WaitIfPaused(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.trim()

		resp, err := s.call(ctx)
		if errors.Is(err, llm.ErrContextOverflow) {
			n, ok := s.resets.increment()
			if !ok {
				return errResetCapExceeded
			}
			s.pub.Event(models.Event{
				Type:        models.EventActivity,
				Description: fmt.Sprintf("Context reset (%d/%d)", n, contextResetCap),
			})
			s.messages = []llm.Message{llm.TextMessage(llm.RoleUser, s.summary(ctx))}
			continue
		}
		if err != nil {
			return err
		}

		if text := resp.Text(); text != "" {
			s.pub.Event(models.Event{Type: models.EventThinking, Text: text})
		}
		s.messages = append(s.messages, resp.AssistantMessage())

		calls := resp.ToolCalls()
		if len(calls) > 0 {
			results := make([]llm.Block, 0, len(calls))
			for _, tc := range calls {
				if err := ctx.Err(); err != nil {
					return err
				}
				res := s.bridge.Execute(ctx, bridge.Call{ID: tc.ID, Name: tc.Name, Input: tc.Input})
				results = append(results, llm.Block{
					Kind:      llm.BlockToolResult,
					ToolUseID: tc.ID,
					Content:   res.Output,
					IsError:   res.IsError,
				})
			}
			s.messages = append(s.messages, llm.ToolResultMessage(results))
		}

		done, err := hook(ctx, resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if len(calls) == 0 {
			// end_turn without reaching the goal; nudge forward.
			s.messages = append(s.messages, llm.TextMessage(llm.RoleUser, continueNudge))
		}
	}
	return errIterationCap
}

// call issues one streamed model call, retrying rate limits on a fixed
// backoff without consuming resets.
func (s *session) call(ctx context.Context) (*llm.Response, error) {
	req := &llm.Request{
		System:          s.system,
		Messages:        s.messages,
		Tools:           bridge.Definitions(),
		EnableWebSearch: s.enableWebSearch,
	}
	var resp *llm.Response
	operation := func() error {
		r, err := s.client.Stream(ctx, req, nil)
		if err != nil {
			if errors.Is(err, llm.ErrRateLimited) {
				s.pub.Log(models.LogWarn, "Rate limited by the model provider, retrying in 60s")
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(rateLimitBackoff), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// trim keeps the conversation within the message limit: the opening
// message, a trim notice, and the most recent tail.
func (s *session) trim() {
	if !s.trimEnabled || len(s.messages) <= messageTrimThreshold {
		return
	}
	trimmed := make([]llm.Message, 0, messageTrimKeepTail+2)
	trimmed = append(trimmed, s.messages[0])
	trimmed = append(trimmed, llm.TextMessage(llm.RoleUser, trimNotice))
	trimmed = append(trimmed, s.messages[len(s.messages)-messageTrimKeepTail:]...)
	s.messages = trimmed
}
