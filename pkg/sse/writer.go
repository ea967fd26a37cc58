package sse

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Writer pumps events from a bounded channel to an http.ResponseWriter. The
// channel is the backpressure boundary: when the client reads slowly the
// producer blocks on Send, which throttles the LLM stream behind it.
type Writer struct {
	events    chan Event
	heartbeat time.Duration
}

// NewWriter sizes the event buffer and heartbeat interval.
func NewWriter(bufferSize int, heartbeat time.Duration) *Writer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Writer{
		events:    make(chan Event, bufferSize),
		heartbeat: heartbeat,
	}
}

// Send enqueues an event. It blocks when the buffer is full and gives up
// when the request context ends.
func (w *Writer) Send(ctx context.Context, ev Event) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend signals that no more events will be sent.
func (w *Writer) CloseSend() {
	close(w.events)
}

// Serve writes the stream until CloseSend or client disconnect. It must run
// on the handler goroutine that owns the ResponseWriter. A ping frame is
// emitted after heartbeat of silence.
func (w *Writer) Serve(ctx context.Context, rw http.ResponseWriter) error {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	header := rw.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTimer(w.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			if err := writeEvent(rw, flusher, ev); err != nil {
				return err
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(w.heartbeat)

		case <-heartbeat.C:
			if err := writeEvent(rw, flusher, NewPingEvent()); err != nil {
				return err
			}
			heartbeat.Reset(w.heartbeat)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeEvent(rw http.ResponseWriter, flusher http.Flusher, ev Event) error {
	data, err := ev.MarshalData()
	if err != nil {
		slog.Error("failed to encode sse event", "type", ev.Type, "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
