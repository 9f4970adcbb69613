// Package eventpipeline implements the Event Pipeline: a bounded MPSC
// queue and a single dispatch worker that reports session/computation
// lifecycle events to the Coordinator over HTTP. Grounded on the
// teacher's internal/worker pool (one bounded channel, one drain loop,
// a typed full-queue sentinel) generalized from dispatching simulated
// jobs to dispatching HTTP calls, and on
// original_source/lib/session/Session.h's event-type table for the
// exact method/path/header shape of each dispatch.
package eventpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/metrics"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// ErrQueueFull mirrors the teacher's ErrQueueFull sentinel and names
// the condition of the pipeline's bounded channel having no room for
// another event. No method returns it: enqueue logs and drops the event
// instead.
type queueFullError struct{}

func (queueFullError) Error() string { return "eventpipeline: queue full, event dropped" }

var ErrQueueFull = queueFullError{}

const (
	queueDepth     = 512
	preDeleteDelay = 50 * time.Millisecond
	requestTimeout = 10 * time.Second
)

type eventType string

const (
	computationTerminated     eventType = "computationTerminated"
	computationReady          eventType = "computationReady"
	sessionClientDisconnected eventType = "sessionClientDisconnected"
	sessionOperationFailed    eventType = "sessionOperationFailed"
	sessionExpired            eventType = "sessionExpired"
	shutdownWithError         eventType = "shutdownWithError"
)

// event is one queued notification. Not every field is meaningful for
// every eventType; dispatch reads only what its table row needs.
type event struct {
	kind    eventType
	session model.SessionID
	comp    model.CompID
	reason  string
}

// ShutdownHook is invoked, instead of an HTTP call, for a
// shutdownWithError event — wired to the node's own orderly-shutdown
// trigger by whoever constructs the Pipeline.
type ShutdownHook func(reason string)

// Pipeline is the process-wide event dispatcher. It implements
// session.EventSink.
type Pipeline struct {
	queue chan event

	baseURL string
	client  *http.Client
	log     *slog.Logger

	shutdownHook ShutdownHook
	metrics      *metrics.Collector

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// New creates a pipeline that reports to baseURL (the Coordinator's
// node-facing API root, e.g. "http://coordinator:9090"). Call Run in its
// own goroutine to start the dispatch worker.
func New(baseURL string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		queue:   make(chan event, queueDepth),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetShutdownHook installs the callback invoked for a shutdownWithError
// event. Must be called before the first such event is dispatched;
// typically wired once at startup.
func (p *Pipeline) SetShutdownHook(hook ShutdownHook) { p.shutdownHook = hook }

// SetMetrics installs the Prometheus collector the pipeline reports
// queue depth and delivery failures to. Nil (the default) disables
// reporting.
func (p *Pipeline) SetMetrics(c *metrics.Collector) { p.metrics = c }

// Run is the single dispatch worker: it drains the queue until Close is
// called, and then drains whatever remains buffered before returning.
func (p *Pipeline) Run() {
	defer close(p.done)
	for {
		select {
		case e := <-p.queue:
			p.reportDepth()
			p.dispatch(e)
		case <-p.closing:
			for {
				select {
				case e := <-p.queue:
					p.reportDepth()
					p.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) reportDepth() {
	if p.metrics != nil {
		p.metrics.SetEventPipelineDepth(len(p.queue))
	}
}

// Close stops accepting the worker's further iterations once the queue
// drains, and blocks until that happens.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
	<-p.done
}

func (p *Pipeline) enqueue(e event) {
	select {
	case p.queue <- e:
		p.reportDepth()
	default:
		p.log.Error("event pipeline queue full, dropping event", "kind", e.kind, "session", e.session)
	}
}

// ComputationReady, ComputationTerminated, SessionOperationFailed,
// SessionExpired, and SessionClientDisconnected implement
// session.EventSink.
func (p *Pipeline) ComputationReady(session model.SessionID, comp model.CompID) {
	p.enqueue(event{kind: computationReady, session: session, comp: comp})
}

func (p *Pipeline) ComputationTerminated(session model.SessionID, comp model.CompID, reason string) {
	p.enqueue(event{kind: computationTerminated, session: session, comp: comp, reason: reason})
}

func (p *Pipeline) SessionOperationFailed(session model.SessionID, message string) {
	p.enqueue(event{kind: sessionOperationFailed, session: session, reason: message})
}

func (p *Pipeline) SessionExpired(session model.SessionID) {
	p.enqueue(event{kind: sessionExpired, session: session})
}

func (p *Pipeline) SessionClientDisconnected(session model.SessionID) {
	p.enqueue(event{kind: sessionClientDisconnected, session: session})
}

// ShutdownWithError queues the one eventType that never reaches the
// Coordinator: it triggers this node's own orderly shutdown instead.
func (p *Pipeline) ShutdownWithError(reason string) {
	p.enqueue(event{kind: shutdownWithError, reason: reason})
}

func (p *Pipeline) dispatch(e event) {
	switch e.kind {
	case computationTerminated:
		time.Sleep(preDeleteDelay)
		p.do(e.kind, http.MethodDelete, fmt.Sprintf("/sessions/%s/computations/%s", e.session, e.comp), nil,
			map[string]string{"X-Host-Delete-Reason": escapeHeader(e.reason)})

	case computationReady:
		body, _ := json.Marshal(map[string]string{"status": "ready"})
		p.do(e.kind, http.MethodPut, fmt.Sprintf("/sessions/%s/hosts/%s", e.session, e.comp), body, nil)

	case sessionClientDisconnected, sessionOperationFailed, sessionExpired:
		time.Sleep(preDeleteDelay)
		p.do(e.kind, http.MethodDelete, fmt.Sprintf("/sessions/%s", e.session), nil, map[string]string{
			"X-Session-Event-Type":   string(e.kind),
			"X-Session-Event-Reason": escapeHeader(e.reason),
		})

	case shutdownWithError:
		if p.shutdownHook != nil {
			p.shutdownHook(e.reason)
		} else {
			p.log.Error("shutdownWithError event with no shutdown hook installed", "reason", e.reason)
		}

	default:
		p.log.Warn("unknown event type, dropping", "kind", e.kind)
	}
}

// escapeHeader prevents a reason string containing a literal newline
// from splitting an HTTP header into two.
func escapeHeader(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

func (p *Pipeline) do(kind eventType, method, path string, body []byte, headers map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		p.log.Error("failed to build coordinator request", "method", method, "path", path, "err", err)
		p.markDeliveryFailed(kind)
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Error("coordinator request failed", "method", method, "path", path, "err", err)
		p.markDeliveryFailed(kind)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.log.Warn("coordinator rejected event", "method", method, "path", path, "status", resp.StatusCode)
		p.markDeliveryFailed(kind)
	}
}

func (p *Pipeline) markDeliveryFailed(kind eventType) {
	if p.metrics != nil {
		p.metrics.EventDeliveryFailed(string(kind))
	}
}
