package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"adega/backend/internal/domain"
	"adega/backend/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	eventBuffer    = 64
	maxClientFrame = 512
)

// checkOrigin accepts same-host pages, the configured front-end origin and
// clients that send no Origin at all.
func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == a.allowedOrigin {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// streamActor authenticates an event stream. Browsers cannot set headers on
// a websocket handshake, so the token may also come as ?token=.
func (a *API) streamActor(r *http.Request) (domain.UserIdentity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if authorization := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token = strings.TrimSpace(authorization[len("Bearer "):])
	}
	if token == "" {
		return domain.UserIdentity{}, errors.New("missing bearer token")
	}
	return a.auth.ParseToken(token)
}

// handleEvents streams bus events as JSON text frames. Clients may narrow the
// stream with repeated ?topic= parameters.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	actor, err := a.streamActor(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var topics []events.Topic
	for _, topic := range r.URL.Query()["topic"] {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, events.Topic(topic))
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	stream, cancel := a.app.Bus.Subscribe(eventBuffer, topics...)
	log.WithField("user", actor.Username).Debug("event stream opened")

	done := make(chan struct{})
	go readPump(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		_ = conn.Close()
		<-done
		log.WithField("user", actor.Username).Debug("event stream closed")
	}()

	for {
		select {
		case ev, ok := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-a.closing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-done:
			return
		}
	}
}

// readPump discards client frames and keeps the read deadline moving with
// pongs. It closes done when the connection fails or is closed.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debugf("event stream read: %v", err)
			}
			return
		}
	}
}
