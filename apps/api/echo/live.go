package echoapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/messaging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

// Live frame types
const (
	FrameConnected = "connected"
	FrameMessage   = "message"
	FrameError     = "error"
)

// LiveFrame is what the live endpoint writes to its WebSocket.
type LiveFrame struct {
	Type    string             `json:"type"`
	Message *messaging.Message `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (api *messagingApi) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     api.checkOrigin,
	}
}

// checkOrigin accepts non-browser clients, same-host origins and the frontend.
func (api *messagingApi) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if front, err := url.Parse(api.origin); err == nil && front.Host != "" {
		return strings.EqualFold(u.Scheme, front.Scheme) && strings.EqualFold(u.Host, front.Host)
	}
	return false
}

// live streams the messages inserted in a conversation from now on.
// The subscription is opened before upgrading so that errors get a regular HTTP response.
func (api *messagingApi) live(ctx echo.Context) error {
	me, err := getContextProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}

	reqCtx := ctx.Request().Context()
	sub, err := api.svc.Subscribe(reqCtx, ctx.Param("id"), me.ID)
	if err != nil {
		return errors.Wrap(err, "subscribing")
	}
	defer sub.Close()

	upgrader := api.upgrader()
	ws, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// Upgrade already wrote the response
		return nil
	}
	defer func() { _ = ws.Close() }()

	// the client only sends control frames; reading is needed to process pongs and close
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadLimit(maxInboundSize)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err = writeFrame(ws, LiveFrame{Type: FrameConnected}); err != nil {
		return nil
	}
	for {
		select {
		case <-readDone:
			return nil
		case <-reqCtx.Done():
			closeWS(ws, websocket.CloseGoingAway, "server shutting down")
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					api.logger.Warn(fmt.Sprintf("live feed of %s ended: %v", ctx.Param("id"), err), err, me)
					_ = writeFrame(ws, LiveFrame{Type: FrameError, Error: err.Error()})
					closeWS(ws, websocket.CloseTryAgainLater, "feed ended")
					return nil
				}
				closeWS(ws, websocket.CloseNormalClosure, "")
				return nil
			}
			if err := writeFrame(ws, LiveFrame{Type: FrameMessage, Message: &msg}); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func writeFrame(ws *websocket.Conn, frame LiveFrame) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(frame)
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
