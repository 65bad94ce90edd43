package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"paidcall/internal/auth"
	"paidcall/internal/firewall"
	"paidcall/internal/models"
	"paidcall/internal/presence"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 2 * time.Minute
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// wsConn is a presence.Conn over a websocket. Writes are serialized.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	mu   sync.Mutex
	done bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(outbound{Event: event, Data: payload})
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.done = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed"),
		time.Now().Add(writeWait))
	return c.ws.Close()
}

// Gateway serves the client websocket and dispatches its messages to the
// presence registry and call control.
type Gateway struct {
	cc       *CallControl
	presence *presence.Registry
	auth     *auth.Authenticator
	fw       *firewall.Firewall
	timeout  time.Duration
}

func NewGateway(cc *CallControl, reg *presence.Registry, authn *auth.Authenticator, fw *firewall.Firewall, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{cc: cc, presence: reg, auth: authn, fw: fw, timeout: timeout}
}

// ServeWS authenticates the handshake and runs the connection until it closes.
func (g *Gateway) ServeWS(c echo.Context) error {
	ip := c.RealIP()
	if !g.fw.IsAllowed(ip) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "blocked"})
	}

	var claims *auth.Claims
	if g.auth.Enabled() {
		token := c.QueryParam("token")
		if token == "" {
			token = auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		}
		cl, err := g.auth.ValidateToken(token)
		if err != nil {
			g.fw.RecordFailedAuth(ip)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		g.fw.RecordSuccess(ip)
		claims = cl
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return nil
	}

	cl := &client{
		g:      g,
		conn:   &wsConn{id: uuid.New().String(), ws: ws},
		claims: claims,
	}
	cl.log = log.With().Str("conn_id", cl.conn.id).Str("ip", ip).Logger()
	cl.run()
	return nil
}

type client struct {
	g      *Gateway
	conn   *wsConn
	claims *auth.Claims
	userID string
	log    zerolog.Logger
}

func (cl *client) run() {
	ws := cl.conn.ws
	cl.log.Info().Msg("client connected")

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cl.g.timeout)
		defer cancel()
		cl.g.presence.Unregister(ctx, cl.conn)
		_ = cl.conn.Close()
		cl.log.Info().Str("user_id", cl.userID).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				cl.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			cl.fail(msg, models.Wrap(models.CodeInvalidRequest, err, "malformed message"))
			continue
		}
		cl.dispatch(msg)
	}
}

func (cl *client) dispatch(msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), cl.g.timeout)
	defer cancel()

	if msg.Type == "ping" {
		cl.g.presence.Touch(ctx, cl.conn)
		_ = cl.conn.Send(models.EventPong, nil)
		return
	}

	result, err := cl.handle(ctx, msg)
	if err != nil {
		cl.log.Debug().Err(err).Str("type", msg.Type).Msg("request failed")
		cl.fail(msg, err)
		return
	}
	_ = cl.conn.Send(models.EventAck, models.AckPayload{
		RequestID: msg.RequestID,
		Type:      msg.Type,
		Result:    result,
	})
}

func (cl *client) fail(msg inbound, err error) {
	_ = cl.conn.Send(models.EventCallFailed, models.CallFailedPayload{
		RequestID: msg.RequestID,
		Type:      msg.Type,
		Code:      models.CodeOf(err),
		Message:   err.Error(),
	})
}

var signalTypes = map[string]models.SignalKind{
	"sendOffer":        models.SignalOffer,
	"sendAnswer":       models.SignalAnswer,
	"sendIceCandidate": models.SignalIceCandidate,
}

func (cl *client) handle(ctx context.Context, msg inbound) (any, error) {
	if msg.Type == "join" {
		return cl.join(ctx, msg.Data)
	}
	if cl.userID == "" {
		return nil, models.Errorf(models.CodeAuthenticationRequired, "join first")
	}

	switch msg.Type {
	case "setAvailability":
		var req struct {
			Available bool `json:"available"`
		}
		if err := decode(msg.Data, &req); err != nil {
			return nil, err
		}
		if err := cl.g.presence.SetAvailability(ctx, cl.userID, req.Available); err != nil {
			return nil, err
		}
		return map[string]bool{"available": req.Available}, nil

	case "initiateCall":
		var req struct {
			PayeeID string `json:"payeeId"`
		}
		if err := decode(msg.Data, &req); err != nil {
			return nil, err
		}
		inv, err := cl.g.cc.Initiate(ctx, cl.userID, req.PayeeID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"inviteId": inv.ID}, nil

	case "answerCall", "rejectCall", "cancelCall":
		var req struct {
			InviteID string `json:"inviteId"`
		}
		if err := decode(msg.Data, &req); err != nil {
			return nil, err
		}
		switch msg.Type {
		case "answerCall":
			s, err := cl.g.cc.Answer(ctx, cl.userID, req.InviteID)
			if err != nil {
				return nil, err
			}
			return map[string]string{"inviteId": req.InviteID, "sessionId": s.ID}, nil
		case "rejectCall":
			return map[string]string{"inviteId": req.InviteID}, cl.g.cc.Reject(ctx, cl.userID, req.InviteID)
		default:
			return map[string]string{"inviteId": req.InviteID}, cl.g.cc.Cancel(ctx, cl.userID, req.InviteID)
		}

	case "endCall":
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := decode(msg.Data, &req); err != nil {
			return nil, err
		}
		s, err := cl.g.cc.EndCall(ctx, cl.userID, req.SessionID)
		if err != nil {
			return nil, err
		}
		return models.CallEndedPayload{
			SessionID:       s.ID,
			Reason:          s.EndReason,
			DurationSeconds: s.DurationSeconds,
			CoinsBilled:     s.BilledCoins,
		}, nil
	}

	if kind, ok := signalTypes[msg.Type]; ok {
		var req struct {
			TargetUserID string          `json:"targetUserId"`
			Payload      json.RawMessage `json:"payload"`
		}
		if err := decode(msg.Data, &req); err != nil {
			return nil, err
		}
		if err := cl.g.cc.Forward(kind, cl.userID, req.TargetUserID, req.Payload); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return nil, models.Errorf(models.CodeInvalidRequest, "unknown message type %q", msg.Type)
}

func (cl *client) join(ctx context.Context, data json.RawMessage) (any, error) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" && cl.claims != nil {
		req.UserID = cl.claims.UserID
	}
	if req.UserID == "" {
		return nil, models.Errorf(models.CodeInvalidRequest, "userId is required")
	}
	if cl.claims != nil && cl.claims.UserID != req.UserID {
		return nil, models.Errorf(models.CodeAuthenticationRequired, "token does not belong to %s", req.UserID)
	}
	if cl.userID != "" && cl.userID != req.UserID {
		return nil, models.Errorf(models.CodeInvalidRequest, "already joined as %s", cl.userID)
	}

	prev, err := cl.g.presence.Register(ctx, req.UserID, cl.conn)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		cl.log.Info().Str("user_id", req.UserID).Str("superseded", prev.ID()).Msg("closing superseded connection")
		_ = prev.Close()
	}
	cl.userID = req.UserID
	cl.log = cl.log.With().Str("user_id", req.UserID).Logger()

	payees, err := cl.g.presence.ListAvailablePayees(ctx)
	if err != nil {
		payees = []models.PayeeSummary{}
	}
	return map[string]any{"userId": req.UserID, "payees": payees}, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.Wrap(models.CodeInvalidRequest, err, "invalid data")
	}
	return nil
}
