package ssfstream

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corsairtrust/cpoe-core/pkg/envelope"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
)

const (
	deliveryTimeout = 10 * time.Second
	maxAttempts     = 3
	setContentType  = "application/secevent+jwt"
)

// Event is one security event pending delivery. Payload becomes the
// event's claims under its type URI in the SET.
type Event struct {
	Type    string
	Subject string
	Payload map[string]any
}

type queuedEvent struct {
	streamID string
	event    Event
	attempts int
}

// Worker drains a queue of events into their streams' push endpoints as
// signed Security Event Tokens. Enqueue never blocks on the network:
// delivery happens on the Run loop, one tick at a time. Within a tick
// events are delivered one after another, so a slow or dead receiver
// delays every event queued behind it, by up to the delivery timeout per
// attempt.
type Worker struct {
	manager  *Manager
	keys     *keymanager.Manager
	issuer   string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger

	queueMu sync.Mutex
	queue   []queuedEvent
}

// NewWorker builds a delivery worker signing SETs as issuer with keys.
func NewWorker(manager *Manager, keys *keymanager.Manager, issuer string, interval time.Duration, logger *log.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ssf-delivery] ", log.LstdFlags)
	}
	return &Worker{
		manager:  manager,
		keys:     keys,
		issuer:   issuer,
		interval: interval,
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   logger,
	}
}

// Enqueue schedules ev for delivery to streamID on the next tick.
func (w *Worker) Enqueue(streamID string, ev Event) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.queue = append(w.queue, queuedEvent{streamID: streamID, event: ev})
}

// Broadcast enqueues ev for every stream subscribed to its type.
func (w *Worker) Broadcast(ctx context.Context, ev Event) {
	streams, err := w.manager.List(ctx)
	if err != nil {
		w.logger.Printf("broadcast: list streams: %v", err)
		return
	}
	for _, s := range streams {
		for _, want := range s.EventsWant {
			if want == ev.Type {
				w.Enqueue(s.ID, ev)
				break
			}
		}
	}
}

// Run delivers queued events every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain attempts one delivery per queued event; failures are re-queued
// until maxAttempts, then dropped with a log line.
func (w *Worker) drain(ctx context.Context) {
	w.queueMu.Lock()
	pending := w.queue
	w.queue = nil
	w.queueMu.Unlock()

	for _, qe := range pending {
		if err := w.deliver(ctx, qe); err != nil {
			qe.attempts++
			if qe.attempts >= maxAttempts {
				w.logger.Printf("dropping event %s for stream %s after %d attempts: %v",
					qe.event.Type, qe.streamID, qe.attempts, err)
				continue
			}
			w.queueMu.Lock()
			w.queue = append(w.queue, qe)
			w.queueMu.Unlock()
		}
	}
}

func (w *Worker) deliver(ctx context.Context, qe queuedEvent) error {
	stream, err := w.manager.Get(ctx, qe.streamID)
	if err != nil {
		// Stream deleted since enqueue; nothing left to deliver to.
		w.logger.Printf("dropping event for missing stream %s", qe.streamID)
		return nil
	}

	set, err := w.buildSET(ctx, *stream, qe.event)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, stream.Delivery.Endpoint, bytes.NewBufferString(set))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", setContentType)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}

// buildSET signs an RFC 8417 Security Event Token carrying ev for stream.
func (w *Worker) buildSET(ctx context.Context, stream Stream, ev Event) (string, error) {
	active, err := w.keys.LoadKeypair(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	payload := map[string]any{
		"iss": w.issuer,
		"aud": stream.Aud,
		"iat": now.Unix(),
		"jti": uuid.NewString(),
		"events": map[string]any{
			ev.Type: ev.Payload,
		},
	}
	if ev.Subject != "" {
		payload["sub"] = ev.Subject
	}

	header := envelope.Header{Alg: "EdDSA", Typ: "secevent+jwt", Kid: w.issuer + "#key-1"}
	return envelope.Sign(header, payload, active.PrivateKey)
}
