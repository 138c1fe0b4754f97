package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/relaytest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type authBody struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

func register(t *testing.T, relay *relaytest.Relay, name, phone, fp string) (*client, models.User) {
	t.Helper()
	c := &client{t: t, base: relay.URL()}
	var code struct {
		Code string `json:"code"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/auth/code", map[string]string{"phone_number": phone}, &code))

	var out authBody
	status := c.do(http.MethodPost, "/api/auth/register", map[string]string{
		"display_name": name, "phone_number": phone, "device_fingerprint": fp, "code": code.Code,
	}, &out)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, out.Token)
	c.token = out.Token
	return c, out.User
}

func TestAuthFlow(t *testing.T) {
	relay := relaytest.New(t, relaytest.Options{})
	alice, u := register(t, relay, "Alice", "+15550100001", "device-a")
	assert.Len(t, u.ShortID, 6)

	var me struct {
		User models.User `json:"user"`
	}
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/api/users/me", nil, &me))
	assert.Equal(t, u.ID, me.User.ID)
	assert.Equal(t, "+15550100001", me.User.PhoneNumber)

	anon := &client{t: t, base: relay.URL()}
	var e errorBody
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/users/me", nil, &e))
	assert.Equal(t, "unauthorized", e.Code)

	var code struct {
		Code string `json:"code"`
	}
	require.Equal(t, http.StatusOK, anon.do(http.MethodPost, "/api/auth/code", map[string]string{"phone_number": "+15550100002"}, &code))
	status := anon.do(http.MethodPost, "/api/auth/register", map[string]string{
		"display_name": "Mallory", "phone_number": "+15550100002", "device_fingerprint": "device-a", "code": code.Code,
	}, &e)
	assert.Equal(t, http.StatusConflict, status, "one account per device")

	status = anon.do(http.MethodPost, "/api/auth/login", map[string]string{
		"phone_number": "+15550100001", "device_fingerprint": "device-b", "code": "000000",
	}, &e)
	assert.Equal(t, http.StatusUnauthorized, status)

	var ticket struct {
		Ticket string `json:"ticket"`
	}
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/api/auth/ticket", nil, &ticket))
	assert.NotEmpty(t, ticket.Ticket)

	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/api/auth/logout", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, alice.do(http.MethodGet, "/api/users/me", nil, &e))
}

func TestProfileAndLookup(t *testing.T) {
	relay := relaytest.New(t, relaytest.Options{})
	alice, _ := register(t, relay, "Alice", "+15550100001", "device-a")
	_, bob := register(t, relay, "Bob", "+15550100002", "device-b")

	var me struct {
		User models.User `json:"user"`
	}
	require.Equal(t, http.StatusOK, alice.do(http.MethodPatch, "/api/users/me", map[string]string{"display_name": "  Alice L  "}, &me))
	assert.Equal(t, "Alice L", me.User.DisplayName)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, alice.do(http.MethodPatch, "/api/users/me", map[string]string{"display_name": strings.Repeat("x", 51)}, &e))

	var found struct {
		User models.User `json:"user"`
	}
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/api/users/lookup?short_id="+bob.ShortID, nil, &found))
	assert.Equal(t, bob.ID, found.User.ID)
	assert.Empty(t, found.User.PhoneNumber, "lookups never expose phone numbers")

	var search struct {
		Users []models.User `json:"users"`
	}
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/api/users/search?q=bob", nil, &search))
	require.Len(t, search.Users, 1)
	assert.Equal(t, bob.ID, search.Users[0].ID)
}

func TestConversationsOverHTTP(t *testing.T) {
	relay := relaytest.New(t, relaytest.Options{})
	alice, _ := register(t, relay, "Alice", "+15550100001", "device-a")
	bob, bobUser := register(t, relay, "Bob", "+15550100002", "device-b")
	carol, carolUser := register(t, relay, "Carol", "+15550100003", "device-c")

	var conv struct {
		Conversation models.Conversation `json:"conversation"`
	}
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/api/conversations/direct", map[string]string{"short_id": bobUser.ShortID}, &conv))
	assert.Equal(t, models.ConversationDirect, conv.Conversation.Kind)
	id := conv.Conversation.ID

	for i := 1; i <= 3; i++ {
		var sent struct {
			Message models.Message `json:"message"`
		}
		require.Equal(t, http.StatusCreated, alice.do(http.MethodPost, fmt.Sprintf("/api/conversations/%s/messages", id), map[string]string{"body": fmt.Sprintf("m%d", i)}, &sent))
		assert.EqualValues(t, i, sent.Message.Seq)
	}

	var page struct {
		Messages []models.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	require.Equal(t, http.StatusOK, bob.do(http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages?limit=2", id), nil, &page))
	require.Len(t, page.Messages, 2)
	assert.EqualValues(t, 2, page.Messages[0].Seq)
	assert.EqualValues(t, 3, page.Messages[1].Seq)
	assert.True(t, page.HasMore)

	require.Equal(t, http.StatusOK, bob.do(http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages?before=2", id), nil, &page))
	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	var e errorBody
	assert.Equal(t, http.StatusForbidden, carol.do(http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages", id), nil, &e))
	assert.Equal(t, http.StatusForbidden, bob.do(http.MethodDelete, fmt.Sprintf("/api/conversations/%s/messages/%s", id, page.Messages[0].ID), nil, &e), "only the sender deletes")
	assert.Equal(t, http.StatusBadRequest, alice.do(http.MethodPost, fmt.Sprintf("/api/conversations/%s/messages", id), map[string]string{"body": "   "}, &e))

	var group struct {
		Conversation models.Conversation `json:"conversation"`
	}
	require.Equal(t, http.StatusCreated, alice.do(http.MethodPost, "/api/conversations/group", map[string]any{
		"name": "Trio", "member_ids": []string{bobUser.ID.String(), carolUser.ID.String()},
	}, &group))
	assert.Equal(t, models.ConversationGroup, group.Conversation.Kind)
	assert.Len(t, group.Conversation.ParticipantIDs, 3)

	var list struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.Equal(t, http.StatusOK, bob.do(http.MethodGet, "/api/conversations", nil, &list))
	assert.Len(t, list.Conversations, 2)
}

func TestRealtimeRequiresCredentials(t *testing.T) {
	relay := relaytest.New(t, relaytest.Options{})
	alice, _ := register(t, relay, "Alice", "+15550100001", "device-a")

	_, resp, err := websocket.DefaultDialer.Dial(relay.WebsocketURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": {"Bearer " + alice.token}}
	conn, _, err := websocket.DefaultDialer.Dial(relay.WebsocketURL(), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "1", "op": "ping"}))
	var reply struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		OK   bool   `json:"ok"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "reply", reply.Type)
	assert.Equal(t, "1", reply.ID)
	assert.True(t, reply.OK)

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "2", "op": "teleport"}))
	var bad struct {
		ID    string `json:"id"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, conn.ReadJSON(&bad))
	assert.Equal(t, "2", bad.ID)
	assert.Equal(t, "invalid", bad.Error.Code)
}
