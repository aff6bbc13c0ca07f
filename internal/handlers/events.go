package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/connmgr"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"
)

// stateHub fans manager transitions out to websocket clients.
type stateHub struct {
	mu   sync.Mutex
	subs map[chan connmgr.Transition]struct{}
}

var hub = &stateHub{subs: make(map[chan connmgr.Transition]struct{})}

// WireEvents forwards the manager's transitions to /events clients.
func WireEvents(m *connmgr.Manager) {
	m.OnStateChange(hub.publish)
}

func (h *stateHub) publish(t connmgr.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- t:
		default:
			// Slow client; it resyncs from the state snapshot on reconnect.
		}
	}
}

func (h *stateHub) subscribe() (chan connmgr.Transition, func()) {
	ch := make(chan connmgr.Transition, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

type eventMessage struct {
	Type       string              `json:"type"`
	State      *stateResponse      `json:"state,omitempty"`
	Transition *connmgr.Transition `json:"transition,omitempty"`
}

// StateEvents streams tunnel transitions over a websocket. The first message
// is a snapshot of the current state.
func StateEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to accept events websocket")
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := hub.subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead handles pings and close frames.
	ctx := conn.CloseRead(r.Context())

	snapshot := tunnelStateResponse()
	if err := writeEvent(ctx, conn, eventMessage{Type: "state", State: &snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case t := <-ch:
			state := tunnelStateResponse()
			if err := writeEvent(ctx, conn, eventMessage{Type: "transition", Transition: &t, State: &state}); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, msg eventMessage) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}
