package api

import (
	"encoding/json"
	"net/http"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/schema"
)

// handleExecutionStream streams an execution's output as server-sent events:
// buffered output first, then live output, then a final done event when the
// execution reaches a terminal status.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ex, ok := s.Monitor.GetExecution(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("execution"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	send := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("event: " + event + "\ndata: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	for _, line := range ex.Output {
		send("output", line)
	}
	if ex.Status.IsTerminal() {
		send("done", s.doneFrameFor(ex.ID))
		return
	}

	// Live events may carry the execution ID or the task ID.
	matches := func(evt eventbus.Event) bool {
		ref := schema.GetString(evt.Payload, "taskId")
		return ref == ex.ID || ref == ex.TaskID
	}

	events := make(chan eventbus.Event, 64)
	push := func(evt eventbus.Event) {
		if !matches(evt) {
			return
		}
		select {
		case events <- evt:
		default:
		}
	}
	subs := []*eventbus.Subscription{
		s.Bus.On(schema.ExecutionOutput, push),
		s.Bus.On(schema.ExecutionCompleted, push),
		s.Bus.On(schema.ExecutionError, push),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// The execution may have finished between the snapshot and the
	// subscription; recheck so the done event is never missed.
	if cur, ok := s.Monitor.GetExecution(ex.ID); ok && cur.Status.IsTerminal() {
		send("done", s.doneFrameFor(ex.ID))
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			switch evt.Name {
			case schema.ExecutionOutput:
				send("output", map[string]any{
					"stream":    schema.GetString(evt.Payload, "stream"),
					"data":      schema.GetString(evt.Payload, "data"),
					"timestamp": evt.Time,
				})
			default:
				send("done", s.doneFrameFor(ex.ID))
				return
			}
		}
	}
}

// doneFrameFor reflects the execution's final record when it is still
// tracked, so the done event carries status, duration, and exit code.
func (s *Server) doneFrameFor(id string) any {
	if final, ok := s.Monitor.GetExecution(id); ok {
		final.Output = nil
		return final
	}
	return doneFrame(id)
}

func doneFrame(id string) map[string]any {
	return map[string]any{"id": id}
}
