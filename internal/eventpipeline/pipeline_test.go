package eventpipeline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

type recordedRequest struct {
	method  string
	path    string
	headers http.Header
	body    string
}

func newTestServer(t *testing.T) (*httptest.Server, chan recordedRequest) {
	t.Helper()
	requests := make(chan recordedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- recordedRequest{method: r.Method, path: r.URL.Path, headers: r.Header.Clone(), body: string(body)}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func runPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	go p.Run()
	t.Cleanup(p.Close)
}

func recv(t *testing.T, requests chan recordedRequest) recordedRequest {
	t.Helper()
	select {
	case r := <-requests:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coordinator request")
		return recordedRequest{}
	}
}

func TestComputationTerminatedSendsDeleteWithReasonHeader(t *testing.T) {
	srv, requests := newTestServer(t)
	p := New(srv.URL, nil)
	runPipeline(t, p)

	session, comp := model.NewID(), model.NewID()
	p.ComputationTerminated(session, comp, "polite stop")

	req := recv(t, requests)
	require.Equal(t, http.MethodDelete, req.method)
	require.Equal(t, "/sessions/"+session.String()+"/computations/"+comp.String(), req.path)
	require.Equal(t, "polite stop", req.headers.Get("X-Host-Delete-Reason"))
}

func TestComputationReadySendsPutWithReadyBody(t *testing.T) {
	srv, requests := newTestServer(t)
	p := New(srv.URL, nil)
	runPipeline(t, p)

	session, comp := model.NewID(), model.NewID()
	p.ComputationReady(session, comp)

	req := recv(t, requests)
	require.Equal(t, http.MethodPut, req.method)
	require.Equal(t, "/sessions/"+session.String()+"/hosts/"+comp.String(), req.path)
	require.JSONEq(t, `{"status":"ready"}`, req.body)
}

func TestSessionExpiredSendsDeleteWithEventHeaders(t *testing.T) {
	srv, requests := newTestServer(t)
	p := New(srv.URL, nil)
	runPipeline(t, p)

	session := model.NewID()
	p.SessionExpired(session)

	req := recv(t, requests)
	require.Equal(t, http.MethodDelete, req.method)
	require.Equal(t, "/sessions/"+session.String(), req.path)
	require.Equal(t, "sessionExpired", req.headers.Get("X-Session-Event-Type"))
}

func TestReasonNewlineEscapedInHeader(t *testing.T) {
	srv, requests := newTestServer(t)
	p := New(srv.URL, nil)
	runPipeline(t, p)

	session := model.NewID()
	p.SessionOperationFailed(session, "line one\nline two")

	req := recv(t, requests)
	require.Equal(t, `line one\nline two`, req.headers.Get("X-Session-Event-Reason"))
}

func TestShutdownWithErrorInvokesHookNotHTTP(t *testing.T) {
	srv, requests := newTestServer(t)
	p := New(srv.URL, nil)

	var mu sync.Mutex
	var gotReason string
	p.SetShutdownHook(func(reason string) {
		mu.Lock()
		gotReason = reason
		mu.Unlock()
	})
	runPipeline(t, p)

	p.ShutdownWithError("router accept loop died")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotReason == "router accept loop died"
	}, time.Second, 10*time.Millisecond)

	select {
	case <-requests:
		t.Fatal("shutdownWithError should never reach the coordinator")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	srv, requests := newTestServer(t)
	p := New(srv.URL, nil)
	go p.Run()

	session := model.NewID()
	p.SessionExpired(session)
	p.Close()

	req := recv(t, requests)
	require.Equal(t, "/sessions/"+session.String(), req.path)
}

func TestQueueFullDropsAndLogsRatherThanBlocking(t *testing.T) {
	// A pipeline whose worker is never started: every enqueue past the
	// buffer depth must return immediately rather than deadlock the test.
	p := New("http://unused.invalid", nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth+10; i++ {
			p.SessionExpired(model.NewID())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked past the bounded queue's capacity")
	}
}
