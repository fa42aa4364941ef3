package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"auction-engine/internal/models"
)

// sseConn adapts a server-sent-events response to the fanout Conn contract.
// The hub delivers from flush goroutines, so writes are serialized here.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, flusher: flusher}
}

// Send writes one batch_update frame. An error means the client went away;
// the hub drops the subscription in response.
func (c *sseConn) Send(msg models.BatchUpdate) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
