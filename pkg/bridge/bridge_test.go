package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/sandbox"
)

// capture drains a bus subscription for assertions.
type capture struct {
	bus    *events.Bus
	ch     <-chan events.Item
	cancel func()
}

func newCapture(t *testing.T) (*events.Publisher, *capture) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)
	return events.NewPublisher("b1", bus, nil), &capture{bus: bus, ch: ch, cancel: cancel}
}

func (c *capture) events() []models.Event {
	var out []models.Event
	for {
		select {
		case item := <-c.ch:
			if item.Event != nil {
				out = append(out, *item.Event)
			}
		default:
			return out
		}
	}
}

func eventTypes(evs []models.Event) []models.EventType {
	types := make([]models.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func call(id, name string, input any) Call {
	data, _ := json.Marshal(input)
	return Call{ID: id, Name: name, Input: data}
}

func TestBashTool(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		pub, cap := newCapture(t)
		fake := sandbox.NewFake("sb1")
		fake.ExecFunc = func(_ context.Context, cmd string) (*sandbox.ExecResult, error) {
			assert.Equal(t, "ls /home/user", cmd)
			return &sandbox.ExecResult{Stdout: "app_spec.txt\n"}, nil
		}
		b := New(fake, pub)

		res := b.Execute(ctx, call("tu_1", ToolBash, map[string]string{"command": "ls /home/user"}))
		assert.False(t, res.IsError)
		assert.Contains(t, res.Output, "app_spec.txt")

		evs := cap.events()
		require.Equal(t, []models.EventType{models.EventToolStart, models.EventCommand, models.EventToolEnd}, eventTypes(evs))
		assert.Equal(t, "tu_1", evs[0].ToolUseID)
		require.NotNil(t, evs[1].ExitCode)
		assert.Equal(t, 0, *evs[1].ExitCode)
		require.NotNil(t, evs[2].Success)
		assert.True(t, *evs[2].Success)
	})

	t.Run("nonzero exit", func(t *testing.T) {
		pub, cap := newCapture(t)
		fake := sandbox.NewFake("sb1")
		fake.ExecFunc = func(context.Context, string) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Stderr: "command not found", ExitCode: 127}, nil
		}
		b := New(fake, pub)

		res := b.Execute(ctx, call("tu_1", ToolBash, map[string]string{"command": "frobnicate"}))
		assert.True(t, res.IsError)
		assert.Contains(t, res.Output, "exit code: 127")

		evs := cap.events()
		require.Len(t, evs, 3)
		require.NotNil(t, evs[2].Success)
		assert.False(t, *evs[2].Success)
	})

	t.Run("output truncated", func(t *testing.T) {
		pub, _ := newCapture(t)
		fake := sandbox.NewFake("sb1")
		fake.ExecFunc = func(context.Context, string) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Stdout: strings.Repeat("x", outputLimit+500)}, nil
		}
		b := New(fake, pub)

		res := b.Execute(ctx, call("tu_1", ToolBash, map[string]string{"command": "cat big"}))
		assert.LessOrEqual(t, len(res.Output), outputLimit+100)
		assert.Contains(t, res.Output, "output truncated")
	})
}

func TestReadFileTool(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		pub, cap := newCapture(t)
		fake := sandbox.NewFake("sb1")
		require.NoError(t, fake.WriteFile(ctx, "/home/user/index.html", []byte("<html></html>")))
		b := New(fake, pub)

		res := b.Execute(ctx, call("tu_2", ToolReadFile, map[string]string{"path": "/home/user/index.html"}))
		assert.False(t, res.IsError)
		assert.Equal(t, "<html></html>", res.Output)

		evs := cap.events()
		require.Equal(t, []models.EventType{models.EventToolStart, models.EventToolEnd}, eventTypes(evs))
	})

	t.Run("not found", func(t *testing.T) {
		pub, _ := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub)

		res := b.Execute(ctx, call("tu_2", ToolReadFile, map[string]string{"path": "/home/user/missing.txt"}))
		assert.True(t, res.IsError)
		assert.Contains(t, res.Output, "file not found")
	})
}

func TestWriteFileTool(t *testing.T) {
	ctx := context.Background()

	t.Run("create then modify", func(t *testing.T) {
		pub, cap := newCapture(t)
		fake := sandbox.NewFake("sb1")
		b := New(fake, pub)

		res := b.Execute(ctx, call("tu_3", ToolWriteFile, map[string]string{
			"path": "/home/user/app.ts", "content": "let x = 1\nlet y = 2\n",
		}))
		require.False(t, res.IsError)

		evs := cap.events()
		require.Equal(t, []models.EventType{models.EventToolStart, models.EventFileCreated, models.EventToolEnd}, eventTypes(evs))
		assert.Equal(t, "/home/user/app.ts", evs[1].Path)
		assert.Equal(t, "TypeScript", evs[1].Language)
		assert.Equal(t, 20, evs[1].Bytes)
		assert.Equal(t, 3, evs[1].Lines)

		res = b.Execute(ctx, call("tu_4", ToolWriteFile, map[string]string{
			"path": "/home/user/app.ts", "content": "let x = 2\n",
		}))
		require.False(t, res.IsError)
		evs = cap.events()
		assert.Equal(t, models.EventFileModified, evs[1].Type)
	})

	t.Run("manifest write emits feature_list", func(t *testing.T) {
		pub, cap := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub)

		manifestJSON := `[
			{"category":"functional","description":"Landing page renders","steps":["open /"],"passes":true},
			{"category":"style","description":"Dark theme","steps":[],"passes":false,"blocking":false}
		]`
		res := b.Execute(ctx, call("tu_5", ToolWriteFile, map[string]string{
			"path": "/home/user/feature_list.json", "content": manifestJSON,
		}))
		require.False(t, res.IsError)

		evs := cap.events()
		require.Equal(t, []models.EventType{
			models.EventToolStart, models.EventFileCreated, models.EventFeatureList, models.EventToolEnd,
		}, eventTypes(evs))
		require.Len(t, evs[2].Features, 2)
		require.NotNil(t, evs[2].Progress)
		assert.Equal(t, models.Progress{Completed: 1, Total: 2}, *evs[2].Progress)
	})

	t.Run("malformed manifest is swallowed", func(t *testing.T) {
		pub, cap := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub)

		res := b.Execute(ctx, call("tu_6", ToolWriteFile, map[string]string{
			"path": "/home/user/feature_list.json", "content": `[{"category":"functional","descr`,
		}))
		require.False(t, res.IsError)

		evs := cap.events()
		assert.Equal(t, []models.EventType{
			models.EventToolStart, models.EventFileCreated, models.EventToolEnd,
		}, eventTypes(evs))
	})
}

func TestValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing field", func(t *testing.T) {
		pub, cap := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub)

		res := b.Execute(ctx, call("tu_1", ToolBash, map[string]string{}))
		assert.True(t, res.IsError)
		assert.Contains(t, res.Output, "'command' is required")

		evs := cap.events()
		require.Equal(t, []models.EventType{models.EventError, models.EventToolEnd}, eventTypes(evs))
		require.NotNil(t, evs[1].Success)
		assert.False(t, *evs[1].Success)
	})

	t.Run("unknown tool", func(t *testing.T) {
		pub, _ := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub)

		res := b.Execute(ctx, call("tu_1", "str_replace", map[string]string{}))
		assert.True(t, res.IsError)
		assert.Contains(t, res.Output, "unknown tool")
	})

	t.Run("guidance after three consecutive failures in planning", func(t *testing.T) {
		pub, _ := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub, WithFormatGuidance())

		for i := 0; i < 2; i++ {
			res := b.Execute(ctx, call("tu_1", ToolBash, map[string]string{}))
			assert.NotContains(t, res.Output, "format reminder")
		}
		res := b.Execute(ctx, call("tu_1", ToolBash, map[string]string{}))
		assert.Contains(t, res.Output, "format reminder")
	})

	t.Run("success resets the failure counter", func(t *testing.T) {
		pub, _ := newCapture(t)
		fake := sandbox.NewFake("sb1")
		b := New(fake, pub, WithFormatGuidance())

		b.Execute(ctx, call("tu_1", ToolBash, map[string]string{}))
		b.Execute(ctx, call("tu_2", ToolBash, map[string]string{}))
		b.Execute(ctx, call("tu_3", ToolBash, map[string]string{"command": "true"}))
		res := b.Execute(ctx, call("tu_4", ToolBash, map[string]string{}))
		assert.NotContains(t, res.Output, "format reminder")
	})

	t.Run("no guidance outside planning", func(t *testing.T) {
		pub, _ := newCapture(t)
		b := New(sandbox.NewFake("sb1"), pub)

		var res Result
		for i := 0; i < 4; i++ {
			res = b.Execute(ctx, call("tu_1", ToolBash, map[string]string{}))
		}
		assert.NotContains(t, res.Output, "format reminder")
	})
}
