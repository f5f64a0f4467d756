package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseData extracts the data payloads of an SSE body, skipping the ping.
func sseData(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && line != "data: connected" {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func (f *fixture) streamSSE(t *testing.T, query string, runID string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/events?"+query, nil)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers(runID) == 1 }, 2*time.Second, 5*time.Millisecond)
	close(f.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SSE stream did not end after the terminal event")
	}
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	return w.Body.String()
}

func TestSubscribeEvents_StreamsRun(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	body := f.streamSSE(t, "run_id="+runID, runID)
	assert.Contains(t, body, "event: ping")

	data := sseData(t, body)
	require.Len(t, data, 3)
	assert.JSONEq(t, `{"step":1,"node":"first","state":{"x":"y","a":1}}`, data[0])
	assert.JSONEq(t, `{"step":2,"node":"second","state":{"x":"y","a":1,"b":2}}`, data[1])
	assert.JSONEq(t, `{"status":"completed","final_state":{"x":"y","a":1,"b":2}}`, data[2])
}

func TestSubscribeEvents_WatchFilter(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	data := sseData(t, f.streamSSE(t, "run_id="+runID+"&watch=b,%20zzz", runID))
	require.Len(t, data, 2)
	assert.Contains(t, data[0], `"node":"second"`)
	assert.Contains(t, data[1], `"status":"completed"`)
}

func TestSubscribeEvents_FinishedRun(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)
	close(f.release)
	f.await(t, runID)

	w := f.do(t, http.MethodGet, "/events?run_id="+runID, "")
	data := sseData(t, w.Body.String())
	require.Len(t, data, 1)
	assert.Contains(t, data[0], `"status":"completed"`)
}

func TestSubscribeEvents_BadRequests(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/events?run_id=missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamLogs_Websocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	runID := f.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL+"/ws/logs/"+runID, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	close(f.release)

	var events []domain.Event
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		assert.Equal(t, websocket.MessageText, typ)
		var ev domain.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].Step.Node)
	assert.Equal(t, "second", events[1].Step.Node)
	assert.True(t, events[2].IsTerminal())
	assert.Equal(t, domain.StatusCompleted, events[2].Status)
}

func TestStreamLogs_AlreadyFinished(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runID := f.submit(t)
	close(f.release)
	f.await(t, runID)

	conn, _, err := websocket.Dial(ctx, srv.URL+"/ws/logs/"+runID, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"completed"`)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestStreamLogs_UnknownRun(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/ws/logs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
