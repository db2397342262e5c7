package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Ali-Raza-H/SLM-VisualModel/protocol"
	"github.com/Ali-Raza-H/SLM-VisualModel/session"
)

var (
	ErrEngineStopped = errors.New("engine stopped")
	errPanic         = errors.New("internal error")
)

type job struct {
	data  []byte
	reply chan []byte
}

// Engine serializes every request onto one goroutine, so the session is
// only ever touched by a single request at a time.
type Engine struct {
	sess    *session.Session
	metrics *Metrics
	logger  *log.Logger

	jobs chan job
	stop chan struct{}
}

func NewEngine(sess *session.Session, m *Metrics, logger *log.Logger) *Engine {
	return &Engine{
		sess:    sess,
		metrics: m,
		logger:  logger,
		jobs:    make(chan job),
		stop:    make(chan struct{}),
	}
}

// Run processes jobs until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stop)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			j.reply <- e.handle(j.data)
		}
	}
}

// Do submits one raw request and waits for its encoded reply. ctx only
// bounds the wait to be accepted; an accepted request always completes.
func (e *Engine) Do(ctx context.Context, data []byte) ([]byte, error) {
	j := job{data: data, reply: make(chan []byte, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stop:
		return nil, ErrEngineStopped
	}
	return <-j.reply, nil
}

func (e *Engine) handle(data []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("panic handling request: %v", r)
			e.metrics.Requests.WithLabelValues("error").Inc()
			out = protocol.EncodeError(fmt.Errorf("%w: %v", errPanic, r))
		}
	}()

	req, err := protocol.DecodeRequest(data, e.sess.Limits())
	if err != nil {
		return e.fail(err)
	}

	outcome := "continue"
	switch {
	case req.Prompt != "":
		outcome = "reset"
	case e.sess.State() == session.Finished:
		outcome = "finished"
	}

	resp, err := e.sess.Step(req)
	if err != nil {
		return e.fail(err)
	}
	b, err := protocol.Encode(resp)
	if err != nil {
		return e.fail(err)
	}

	e.metrics.Requests.WithLabelValues(outcome).Inc()
	if outcome != "finished" {
		e.metrics.Forward.Observe(resp.Meta.ForwardMS / 1000)
		e.metrics.Tokens.Inc()
	}
	e.metrics.Context.Set(float64(len(resp.TokenIDs)))
	return b
}

func (e *Engine) fail(err error) []byte {
	e.logger.Printf("request failed: %v", err)
	e.metrics.Requests.WithLabelValues("error").Inc()
	return protocol.EncodeError(err)
}
