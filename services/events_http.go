package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// StreamEvents serves challenge state changes as SSE for the external
// notifier.
func (b *EventBus) StreamEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	events, cancel := b.Subscribe()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: challenge\ndata: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}
			case <-keepalive.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			case <-c.Context().Done():
				return
			}
		}
	})
	return nil
}
