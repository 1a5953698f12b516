package relay

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/listhit/listsync/internal/wire"
)

// identityCookie names the cookie carrying the device's identity on
// both the channel handshake and the HTTP endpoints.
const identityCookie = "userId"

// websocketConn adapts a nhooyr websocket to the Conn interface the
// session layer writes through.
type websocketConn struct {
	ws *websocket.Conn
}

func (c *websocketConn) WriteFrame(ctx context.Context, frame wire.Frame) error {
	return wsjson.Write(ctx, c.ws, frame)
}

func (c *websocketConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// ChannelHandler accepts websocket connections, registers the device's
// presence, and feeds every inbound frame through the relay until the
// connection drops.
func (r *Relay) ChannelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		identity := IdentityFromRequest(req)
		if identity == "" {
			http.Error(w, "missing identity", http.StatusBadRequest)
			return
		}
		ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			// Devices connect from app origins the relay does not know
			// ahead of time.
			InsecureSkipVerify: true,
		})
		if err != nil {
			r.logger.Warn("channel: accept failed", "identity", identity, "err", err)
			return
		}
		session, err := r.Connect(identity, &websocketConn{ws: ws})
		if err != nil {
			_ = ws.Close(websocket.StatusPolicyViolation, "invalid identity")
			return
		}
		defer r.Disconnect(session)
		defer ws.Close(websocket.StatusNormalClosure, "")

		ctx := req.Context()
		for {
			_, raw, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
					websocket.CloseStatus(err) == websocket.StatusGoingAway ||
					errors.Is(err, context.Canceled) {
					return
				}
				r.logger.Debug("channel: read ended", "identity", identity, "err", err)
				return
			}
			r.HandleFrame(ctx, session, raw)
		}
	})
}

// IdentityFromRequest extracts the device identity from the request's
// identity cookie, falling back to the userId query parameter for
// clients that cannot set cookies on a websocket dial.
func IdentityFromRequest(req *http.Request) string {
	if cookie, err := req.Cookie(identityCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return req.URL.Query().Get(identityCookie)
}
