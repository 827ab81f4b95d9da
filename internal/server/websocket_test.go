package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"mechlink/internal/auth"
	"mechlink/internal/model"
)

func wsURL(srv string, token, sessionID, role string) string {
	u := "ws" + strings.TrimPrefix(srv, "http") + "/ws?token=" + token + "&session=" + sessionID
	if role != "" {
		u += "&role=" + role
	}
	return u
}

func readEvent(t *testing.T, conn *websocket.Conn, name string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if ev["event"] == name {
			return ev
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func createSessionOverHTTP(t *testing.T, srv, custTok string) string {
	t.Helper()
	out := doJSON(t, http.MethodPost, srv+"/v1/sessions", custTok, gin.H{
		"type": "chat", "plan": "chat", "amountCents": 3000,
	})
	if out["_status"].(float64) != http.StatusOK {
		t.Fatalf("create session failed: %v", out)
	}
	return out["session"].(map[string]any)["id"].(string)
}

func TestWS_DualPresenceStartsSession(t *testing.T) {
	srv, tokenCfg, st := newTestServer(t)
	custTok, _ := auth.CreateToken("cust_1", model.RoleCustomer, tokenCfg)
	mechTok, _ := auth.CreateToken("mech_1", model.RoleMechanic, tokenCfg)

	sessID := createSessionOverHTTP(t, srv.URL, custTok)
	if _, err := st.AssignMechanic(context.Background(), sessID, "mech_1"); err != nil {
		t.Fatalf("AssignMechanic: %v", err)
	}

	custConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, custTok, sessID, "customer"), nil)
	if err != nil {
		t.Fatalf("customer dial: %v", err)
	}
	defer custConn.Close()

	// first connect pulls the session into waiting
	ev := readEvent(t, custConn, "session:status_changed")
	if ev["body"].(map[string]any)["status"] != "waiting" {
		t.Fatalf("expected waiting broadcast, got %v", ev)
	}

	mechConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, mechTok, sessID, "mechanic"), nil)
	if err != nil {
		t.Fatalf("mechanic dial: %v", err)
	}
	defer mechConn.Close()

	// both present -> live, with the anchor in the broadcast
	ev = readEvent(t, custConn, "session:status_changed")
	body := ev["body"].(map[string]any)
	if body["status"] != "live" || body["startedAt"] == nil {
		t.Fatalf("expected live broadcast with startedAt, got %v", ev)
	}

	got, err := st.GetSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusLive || got.StartedAt == nil {
		t.Fatalf("expected live session, got %+v", got)
	}
}

func TestWS_ChatFanOutIncludesSender(t *testing.T) {
	srv, tokenCfg, st := newTestServer(t)
	custTok, _ := auth.CreateToken("cust_1", model.RoleCustomer, tokenCfg)
	mechTok, _ := auth.CreateToken("mech_1", model.RoleMechanic, tokenCfg)

	sessID := createSessionOverHTTP(t, srv.URL, custTok)
	if _, err := st.AssignMechanic(context.Background(), sessID, "mech_1"); err != nil {
		t.Fatalf("AssignMechanic: %v", err)
	}

	custConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, custTok, sessID, "customer"), nil)
	if err != nil {
		t.Fatalf("customer dial: %v", err)
	}
	defer custConn.Close()
	mechConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, mechTok, sessID, "mechanic"), nil)
	if err != nil {
		t.Fatalf("mechanic dial: %v", err)
	}
	defer mechConn.Close()

	// both registered once the live broadcast arrives
	readEvent(t, custConn, "session:status_changed")
	readEvent(t, custConn, "session:status_changed")

	msg := map[string]any{"type": "chat", "id": "msg-1", "text": "any grinding noise?"}
	if err := mechConn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"customer": custConn, "sender": mechConn} {
		ev := readEvent(t, conn, "chat:message")
		if ev["id"] != "msg-1" || ev["senderId"] != "mech_1" {
			t.Fatalf("%s got malformed chat event: %v", name, ev)
		}
		if ev["body"].(map[string]any)["text"] != "any grinding noise?" {
			t.Fatalf("%s got wrong text: %v", name, ev)
		}
	}
}

func TestWS_ScheduledStartsAfterWaiverSigned(t *testing.T) {
	srv, tokenCfg, st := newTestServer(t)
	custTok, _ := auth.CreateToken("cust_1", model.RoleCustomer, tokenCfg)
	mechTok, _ := auth.CreateToken("mech_1", model.RoleMechanic, tokenCfg)

	scheduledFor := time.Now().Add(time.Hour).UnixMilli()
	out := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", custTok, gin.H{
		"type": "video", "plan": "video", "amountCents": 9900, "scheduledFor": scheduledFor,
	})
	sessID := out["session"].(map[string]any)["id"].(string)
	if _, err := st.AssignMechanic(context.Background(), sessID, "mech_1"); err != nil {
		t.Fatalf("AssignMechanic: %v", err)
	}

	custConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, custTok, sessID, "customer"), nil)
	if err != nil {
		t.Fatalf("customer dial: %v", err)
	}
	defer custConn.Close()
	mechConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, mechTok, sessID, "mechanic"), nil)
	if err != nil {
		t.Fatalf("mechanic dial: %v", err)
	}
	defer mechConn.Close()

	// mechanic fully joined once their participant event arrives; the
	// unsigned waiver holds the session in scheduled
	for {
		ev := readEvent(t, custConn, "participant:joined")
		if ev["senderId"] == "mech_1" {
			break
		}
	}
	got, err := st.GetSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusScheduled {
		t.Fatalf("expected scheduled before waiver, got %s", got.Status)
	}

	// signing with both parties connected takes the session live
	out = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sessID+"/waiver", custTok, nil)
	if out["applied"] != true {
		t.Fatalf("waiver not applied: %v", out)
	}

	ev := readEvent(t, custConn, "session:status_changed")
	body := ev["body"].(map[string]any)
	if body["status"] != "live" || body["startedAt"] == nil {
		t.Fatalf("expected live broadcast after waiver, got %v", ev)
	}
}

func TestWS_RejectsStranger(t *testing.T) {
	srv, tokenCfg, _ := newTestServer(t)
	custTok, _ := auth.CreateToken("cust_1", model.RoleCustomer, tokenCfg)
	strangerTok, _ := auth.CreateToken("cust_2", model.RoleCustomer, tokenCfg)

	sessID := createSessionOverHTTP(t, srv.URL, custTok)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, strangerTok, sessID, "customer"), nil)
	if err == nil {
		t.Fatalf("expected dial rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestWS_PingPong(t *testing.T) {
	srv, tokenCfg, _ := newTestServer(t)
	custTok, _ := auth.CreateToken("cust_1", model.RoleCustomer, tokenCfg)
	sessID := createSessionOverHTTP(t, srv.URL, custTok)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, custTok, sessID, "customer"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	ev := readEvent(t, conn, "pong")
	data, _ := json.Marshal(ev)
	if ev["event"] != "pong" {
		t.Fatalf("expected pong, got %s", string(data))
	}
}
