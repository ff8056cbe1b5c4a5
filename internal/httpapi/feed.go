package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/replyflow/replyflow/internal/replyflow"
)

// FeedHub fans processed-event notices out to live websocket subscribers.
// Publish never blocks: a subscriber that falls behind loses notices
// rather than stalling the pipeline.
type FeedHub struct {
	mu   sync.Mutex
	subs map[chan replyflow.EventNotice]struct{}
}

func NewFeedHub() *FeedHub {
	return &FeedHub{subs: map[chan replyflow.EventNotice]struct{}{}}
}

func (h *FeedHub) Publish(notice replyflow.EventNotice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- notice:
		default:
		}
	}
}

func (h *FeedHub) subscribe() (chan replyflow.EventNotice, func()) {
	ch := make(chan replyflow.EventNotice, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Subscribers returns the current live subscriber count.
func (h *FeedHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "not_found", "live feed not enabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ch, cancel := s.feed.subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case notice := <-ch:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, notice)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
