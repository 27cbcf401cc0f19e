package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowguard/workflow"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestEventsHandler_StreamsUntilFinished(t *testing.T) {
	f := newAPIFixture(t)
	wf := f.createWorkflow(t)
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/api/v1/workflows/"+wf.ID+"/events?until_finished=true"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, err = f.engine.StartWorkflow(ctx, wf.ID, "ws-test", nil)
	require.NoError(t, err)

	var types []workflow.EventType
	for {
		var ev workflow.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err), "unexpected read error: %v", err)
			break
		}
		assert.Equal(t, wf.ID, ev.WorkflowID)
		types = append(types, ev.Type)
	}

	require.NotEmpty(t, types)
	assert.Equal(t, workflow.EventWorkflowFinished, types[len(types)-1])
	assert.Contains(t, types, workflow.EventStepFinished)
}

func TestEventsHandler_UnknownWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, "/api/v1/workflows/ghost/events"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_ClientDisconnect(t *testing.T) {
	f := newAPIFixture(t)
	wf := f.createWorkflow(t)
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/api/v1/workflows/"+wf.ID+"/events"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	// 断开后发布事件不应阻塞
	done := make(chan struct{})
	go func() {
		f.bus.Publish(workflow.Event{Type: workflow.EventWorkflowPaused, WorkflowID: wf.ID})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after client disconnect")
	}
}
