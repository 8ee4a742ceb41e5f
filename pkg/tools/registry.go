package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/types"
)

// Emitter receives the events produced while serving tool calls. It is
// called from several goroutines.
type Emitter func(*types.Event)

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{tools: make(map[string]Tool), log: log}
}

// Register adds tools. Names must be unique.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, dup := r.tools[t.Name()]; dup {
			return fmt.Errorf("tool %s registered twice", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return nil
}

// Get returns the tool called name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one tool call and reports it to emit. The returned error is
// the tool's error; it is also emitted as a tool_result_error event.
func (r *Registry) Dispatch(ctx context.Context, call *ToolCall, emit Emitter) (string, error) {
	if emit == nil {
		emit = func(*types.Event) {}
	}
	callID := call.CallID
	if callID == "" {
		callID = uuid.NewString()[:8]
	}

	args := call.GetArgumentsXML()
	input, err := XMLToMap(args)
	if err != nil {
		input = make(map[string]interface{})
	}
	emit(types.NewToolCallEvent(callID, call.ToolName, input))

	tool, ok := r.Get(call.ToolName)
	if !ok {
		err := types.Errorf(types.KindInvalidInput, "unknown tool %q", call.ToolName).
			WithHint("available tools: " + strings.Join(r.Names(), ", "))
		emit(types.NewToolResultErrorEvent(callID, call.ToolName, err))
		return "", err
	}

	ctx = WithProgress(ctx, func(message string, step, total int) {
		emit(types.NewProgressEvent(callID, call.ToolName, message, step, total))
	})
	r.log.Debugf("[%s] %s called", callID, call.ToolName)
	result, metadata, err := tool.Execute(ctx, args)
	if err != nil {
		r.log.Warnf("[%s] %s failed: %v", callID, call.ToolName, err)
		emit(types.NewToolResultErrorEvent(callID, call.ToolName, err))
		return "", err
	}

	event := types.NewToolResultEvent(callID, call.ToolName, result)
	for k, v := range metadata {
		event.WithMetadata(k, v)
	}
	emit(event)
	return result, nil
}

// Serve reads tool calls from in until EOF or ctx ends and dispatches each
// one in its own goroutine, so a long question does not hold up
// list_sessions. Text outside <tool> elements is ignored. Serve returns
// after all started calls have finished.
func (r *Registry) Serve(ctx context.Context, in io.Reader, emit Emitter) error {
	if emit == nil {
		emit = func(*types.Event) {}
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxXMLSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading tool calls: %w", err)
			}
			// drain what the reader sent before closing
			for line := range lines {
				r.feed(ctx, &buf, line, emit, &wg)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			r.feed(ctx, &buf, line, emit, &wg)
		}
	}
}

func (r *Registry) feed(ctx context.Context, buf *strings.Builder, line string, emit Emitter, wg *sync.WaitGroup) {
	buf.WriteString(line)
	buf.WriteByte('\n')
	text := buf.String()

	for HasToolCall(text) {
		call, rest, err := ParseToolCall(text)
		text = rest
		if err != nil {
			emit(types.NewErrorEvent(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(ctx, call, emit)
		}()
	}

	buf.Reset()
	if strings.Contains(text, "<tool>") {
		if len(text) > maxXMLSize {
			emit(types.NewErrorEvent(fmt.Errorf("tool call exceeds %d bytes, discarded", maxXMLSize)))
			return
		}
		buf.WriteString(text[strings.Index(text, "<tool>"):])
	}
}
