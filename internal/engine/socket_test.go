package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"paidcall/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startServer(t *testing.T, h *harness, secret string) (*httptest.Server, string) {
	t.Helper()
	api, _ := newAPI(h, secret)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func request(t *testing.T, c *websocket.Conn, typ, requestID string, data any) {
	t.Helper()
	msg := map[string]any{"type": typ, "requestId": requestID}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, c.WriteJSON(msg))
}

// expect reads frames until one with the given event arrives, skipping
// unrelated pushes such as list broadcasts.
func expect(t *testing.T, c *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, c.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, c.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f.Data
		}
	}
}

func expectAck(t *testing.T, c *websocket.Conn, requestID string) json.RawMessage {
	t.Helper()
	for {
		data := expect(t, c, models.EventAck)
		var ack struct {
			RequestID string          `json:"requestId"`
			Result    json.RawMessage `json:"result"`
		}
		require.NoError(t, json.Unmarshal(data, &ack))
		if ack.RequestID == requestID {
			return ack.Result
		}
	}
}

func expectFailure(t *testing.T, c *websocket.Conn) models.CallFailedPayload {
	t.Helper()
	var p models.CallFailedPayload
	require.NoError(t, json.Unmarshal(expect(t, c, models.EventCallFailed), &p))
	return p
}

func TestSocket_CallFlow(t *testing.T) {
	h := newHarness(t)
	_, url := startServer(t, h, "")

	payer := dial(t, url)
	payee := dial(t, url)

	request(t, payer, "initiateCall", "r0", map[string]string{"payeeId": "payeeY"})
	failed := expectFailure(t, payer)
	assert.Equal(t, models.CodeAuthenticationRequired, failed.Code)
	assert.Equal(t, "r0", failed.RequestID)

	request(t, payer, "join", "r1", map[string]string{"userId": "payerB"})
	expectAck(t, payer, "r1")
	request(t, payee, "join", "r2", map[string]string{"userId": "payeeY"})
	expectAck(t, payee, "r2")
	request(t, payee, "setAvailability", "r3", map[string]bool{"available": true})
	expectAck(t, payee, "r3")

	request(t, payer, "initiateCall", "r4", map[string]string{"payeeId": "payeeY"})
	var initiated struct {
		InviteID string `json:"inviteId"`
	}
	require.NoError(t, json.Unmarshal(expectAck(t, payer, "r4"), &initiated))

	var incoming models.IncomingCallPayload
	require.NoError(t, json.Unmarshal(expect(t, payee, models.EventIncomingCall), &incoming))
	assert.Equal(t, initiated.InviteID, incoming.InviteID)
	assert.Equal(t, "payerB", incoming.Caller.ID)

	request(t, payee, "answerCall", "r5", map[string]string{"inviteId": incoming.InviteID})
	expectAck(t, payee, "r5")

	var connected models.CallConnectedPayload
	require.NoError(t, json.Unmarshal(expect(t, payer, models.EventCallConnected), &connected))
	assert.Equal(t, "payeeY", connected.Peer.ID)

	request(t, payer, "sendOffer", "r6", map[string]any{
		"targetUserId": "payeeY",
		"payload":      map[string]string{"type": "offer", "sdp": "v=0"},
	})
	var offer models.SignalPayload
	require.NoError(t, json.Unmarshal(expect(t, payee, string(models.SignalOffer)), &offer))
	assert.Equal(t, "payerB", offer.FromUserID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Payload))
	expectAck(t, payer, "r6")

	request(t, payer, "endCall", "r7", map[string]string{"sessionId": connected.SessionID})
	expectAck(t, payer, "r7")

	var ended models.CallEndedPayload
	require.NoError(t, json.Unmarshal(expect(t, payee, models.EventCallEnded), &ended))
	assert.Equal(t, models.ReasonUserEnded, ended.Reason)
	assert.Equal(t, connected.SessionID, ended.SessionID)
}

func TestSocket_PingAndMalformed(t *testing.T) {
	h := newHarness(t)
	_, url := startServer(t, h, "")
	c := dial(t, url)

	request(t, c, "ping", "", nil)
	expect(t, c, models.EventPong)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, models.CodeInvalidRequest, expectFailure(t, c).Code)

	request(t, c, "join", "j1", map[string]string{"userId": "payerA"})
	expectAck(t, c, "j1")
	request(t, c, "teleport", "x1", nil)
	assert.Equal(t, models.CodeInvalidRequest, expectFailure(t, c).Code)
}

func TestSocket_DisconnectEndsSession(t *testing.T) {
	h := newHarness(t)
	_, url := startServer(t, h, "")

	payer := dial(t, url)
	payee := dial(t, url)
	request(t, payer, "join", "a", map[string]string{"userId": "payerB"})
	expectAck(t, payer, "a")
	request(t, payee, "join", "b", map[string]string{"userId": "payeeX"})
	expectAck(t, payee, "b")

	inv, err := h.cc.Initiate(h.ctx, "payerB", "payeeX")
	require.NoError(t, err)
	_, err = h.cc.Answer(h.ctx, "payeeX", inv.ID)
	require.NoError(t, err)
	expect(t, payer, models.EventCallConnected)

	require.NoError(t, payee.Close())

	var ended models.CallEndedPayload
	require.NoError(t, json.Unmarshal(expect(t, payer, models.EventCallEnded), &ended))
	assert.Equal(t, models.ReasonPeerDisconnected, ended.Reason)
	assert.Eventually(t, func() bool { return !h.reg.Bound("payeeX") }, time.Second, 5*time.Millisecond)
}

func TestSocket_TokenRequired(t *testing.T) {
	h := newHarness(t)
	_, url := startServer(t, h, "test-secret")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocket_JoinMustMatchToken(t *testing.T) {
	h := newHarness(t)
	api, authn := newAPI(h, "test-secret")
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	token, err := authn.GenerateToken("payerA", string(models.RolePayer))
	require.NoError(t, err)
	c := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+token)

	request(t, c, "join", "j1", map[string]string{"userId": "payerB"})
	assert.Equal(t, models.CodeAuthenticationRequired, expectFailure(t, c).Code)

	request(t, c, "join", "j2", map[string]string{"userId": "payerA"})
	expectAck(t, c, "j2")
}
