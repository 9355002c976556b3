package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/protocol"
)

// Hub fans wire frames out to passive observers. Each thread gets its own
// topic; the streaming HTTP response stays the primary consumer and the hub
// only mirrors what it already sent.
type Hub struct {
	pubsub *gochannel.GoChannel
}

func NewHub() *Hub {
	return &Hub{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NopLogger{}),
	}
}

func threadTopic(threadID string) string { return "thread." + threadID }

// Publish mirrors one already-encoded event frame to a thread's observers.
// Publishing never blocks the turn; failures are logged and dropped.
func (h *Hub) Publish(threadID string, frame []byte) {
	if h == nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), frame)
	if err := h.pubsub.Publish(threadTopic(threadID), msg); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("fan-out publish failed")
	}
}

// PublishEvent encodes an event and mirrors it.
func (h *Hub) PublishEvent(threadID string, ev protocol.Event) {
	if h == nil {
		return
	}
	frame, err := protocol.MarshalEvent(ev)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("fan-out encode failed")
		return
	}
	h.Publish(threadID, frame)
}

// Subscribe returns a channel of frames for one thread, closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, threadID string) (<-chan *message.Message, error) {
	ch, err := h.pubsub.Subscribe(ctx, threadTopic(threadID))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to thread %s", threadID)
	}
	return ch, nil
}

func (h *Hub) Close() error {
	if h == nil {
		return nil
	}
	return h.pubsub.Close()
}

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const watchWriteTimeout = 10 * time.Second

// ServeWatch upgrades the request to a websocket and relays the thread's
// mirrored frames until the client disconnects. The reader goroutine exists
// only to notice the close handshake; inbound payloads are discarded.
func (h *Hub) ServeWatch(w http.ResponseWriter, r *http.Request, threadID string) {
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("watch upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames, err := h.Subscribe(ctx, threadID)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("watch subscribe failed")
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := log.With().Str("component", "watch").Str("thread_id", threadID).Logger()
	logger.Debug().Msg("observer attached")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				logger.Debug().Err(err).Msg("observer write failed")
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}
}
