package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type   string `json:"type"`
	Party  *Party `json:"party,omitempty"`
	Word   *Word  `json:"word,omitempty"`
	Status Status `json:"status,omitempty"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &Config{
		bind:       "127.0.0.1",
		port:       8080,
		corsOrigin: "*",
		database:   filepath.Join(t.TempDir(), "test.db"),
	}

	store, err := openStore(cfg.database)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	errs := make(chan error, 64)
	go func() {
		for range errs {
		}
	}()

	srv := httptest.NewServer(newMux(cfg, store, newRegistry(), errs))
	t.Cleanup(srv.Close)

	return srv
}

func doJSON(t *testing.T, method, url string, body any, wantStatus int, out any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d (%s)", method, url, wantStatus, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
}

func dialParty(t *testing.T, srv *httptest.Server, partyID int64) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + fmt.Sprintf("/api/party/%d/ws", partyID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	return msg
}

func TestPartyLifecycle(t *testing.T) {
	srv := newTestServer(t)

	var created PartyLinks
	doJSON(t, http.MethodPost, srv.URL+"/api/party", nil, http.StatusCreated, &created)

	if created.ID != 1 {
		t.Errorf("Expected first party id 1, got %d", created.ID)
	}
	if created.Status != StatusAdd {
		t.Errorf("Expected initial status %q, got %q", StatusAdd, created.Status)
	}
	if len(created.Words) != 0 {
		t.Errorf("Expected empty word list, got %d words", len(created.Words))
	}
	for name, link := range map[string]string{
		"manage":  created.ManageURL,
		"display": created.DisplayURL,
		"add":     created.AddURL,
	} {
		want := fmt.Sprintf("/party/%d/%s", created.ID, name)
		if !strings.HasSuffix(link, want) {
			t.Errorf("Expected %s link ending in %q, got %q", name, want, link)
		}
	}
	if created.QRCode == "" {
		t.Error("Expected embedded QR code on create")
	}

	viewer := dialParty(t, srv, created.ID)

	init := readEvent(t, viewer)
	if init.Type != "init" || init.Party == nil {
		t.Fatalf("Expected init event, got %#v", init)
	}
	if len(init.Party.Words) != 0 {
		t.Errorf("Expected empty snapshot, got %d words", len(init.Party.Words))
	}

	var word Word
	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/party/%d/words", srv.URL, created.ID),
		wordRequest{Text: "pizza"}, http.StatusCreated, &word)

	if word.ID != 1 || word.Text != "pizza" || word.PartyID != created.ID {
		t.Errorf("Unexpected word %+v", word)
	}

	added := readEvent(t, viewer)
	if added.Type != "word_added" || added.Word == nil || added.Word.Text != "pizza" {
		t.Fatalf("Expected word_added for pizza, got %#v", added)
	}

	var updated Party
	doJSON(t, http.MethodPatch, fmt.Sprintf("%s/api/party/%d/status?status=display", srv.URL, created.ID),
		nil, http.StatusOK, &updated)

	if updated.Status != StatusDisplay {
		t.Errorf("Expected status %q, got %q", StatusDisplay, updated.Status)
	}

	changed := readEvent(t, viewer)
	if changed.Type != "status_changed" || changed.Status != StatusDisplay {
		t.Fatalf("Expected status_changed to display, got %#v", changed)
	}

	doJSON(t, http.MethodPatch, fmt.Sprintf("%s/api/party/%d/status?status=bogus", srv.URL, created.ID),
		nil, http.StatusBadRequest, nil)

	var after Party
	doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/party/%d", srv.URL, created.ID),
		nil, http.StatusOK, &after)

	if after.Status != StatusDisplay {
		t.Errorf("Rejected status must not stick: expected %q, got %q", StatusDisplay, after.Status)
	}
	if len(after.Words) != 1 || after.Words[0].Text != "pizza" {
		t.Errorf("Expected party to hold exactly [pizza], got %+v", after.Words)
	}

	// A viewer joining now must see all prior mutations in its snapshot.
	late := dialParty(t, srv, created.ID)
	lateInit := readEvent(t, late)
	if lateInit.Type != "init" || lateInit.Party == nil {
		t.Fatalf("Expected init event, got %#v", lateInit)
	}
	if lateInit.Party.Status != StatusDisplay || len(lateInit.Party.Words) != 1 {
		t.Errorf("Late snapshot out of date: %+v", lateInit.Party)
	}
}

func TestMissingParty(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, http.MethodGet, srv.URL+"/api/party/9999", nil, http.StatusNotFound, nil)
	doJSON(t, http.MethodGet, srv.URL+"/api/party/9999/links", nil, http.StatusNotFound, nil)
	doJSON(t, http.MethodPost, srv.URL+"/api/party/9999/words",
		wordRequest{Text: "pizza"}, http.StatusNotFound, nil)
	doJSON(t, http.MethodPatch, srv.URL+"/api/party/9999/status?status=display",
		nil, http.StatusNotFound, nil)
}

func TestWebSocketMissingParty(t *testing.T) {
	srv := newTestServer(t)

	conn := dialParty(t, srv, 42)

	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if closeErr.Code != closePartyNotFound {
		t.Errorf("Expected close code %d, got %d", closePartyNotFound, closeErr.Code)
	}
	if closeErr.Text != "party not found" {
		t.Errorf("Expected close reason %q, got %q", "party not found", closeErr.Text)
	}
}

func TestEmptyWordRejected(t *testing.T) {
	srv := newTestServer(t)

	var created PartyLinks
	doJSON(t, http.MethodPost, srv.URL+"/api/party", nil, http.StatusCreated, &created)

	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/party/%d/words", srv.URL, created.ID),
		wordRequest{Text: "   "}, http.StatusBadRequest, nil)

	var after Party
	doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/party/%d", srv.URL, created.ID),
		nil, http.StatusOK, &after)

	if len(after.Words) != 0 {
		t.Errorf("Expected no words after rejected submission, got %d", len(after.Words))
	}
}

func TestPartyLinksWithoutQR(t *testing.T) {
	srv := newTestServer(t)

	var created PartyLinks
	doJSON(t, http.MethodPost, srv.URL+"/api/party", nil, http.StatusCreated, &created)

	var links PartyLinks
	doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/party/%d/links?include_qr=false", srv.URL, created.ID),
		nil, http.StatusOK, &links)

	if links.QRCode != "" {
		t.Error("Expected no QR code when include_qr=false")
	}
	if links.AddURL == "" || links.ManageURL == "" || links.DisplayURL == "" {
		t.Errorf("Expected all links present, got %+v", links)
	}

	var withQR PartyLinks
	doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/party/%d/links", srv.URL, created.ID),
		nil, http.StatusOK, &withQR)

	if withQR.QRCode == "" {
		t.Error("Expected QR code by default")
	}
}

func TestQRCodePNG(t *testing.T) {
	srv := newTestServer(t)

	var created PartyLinks
	doJSON(t, http.MethodPost, srv.URL+"/api/party", nil, http.StatusCreated, &created)

	resp, err := http.Get(fmt.Sprintf("%s/party/%d/qr", srv.URL, created.ID))
	if err != nil {
		t.Fatalf("Failed to fetch QR code: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("Expected image/png, got %q", got)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if len(data) < 8 || !bytes.Equal(data[:4], []byte("\x89PNG")) {
		t.Error("Expected PNG payload")
	}
}

func TestPartyPagesServed(t *testing.T) {
	srv := newTestServer(t)

	for _, page := range []string{"manage", "display", "add"} {
		resp, err := http.Get(fmt.Sprintf("%s/party/1/%s", srv.URL, page))
		if err != nil {
			t.Fatalf("Failed to fetch %s page: %v", page, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s page: expected status 200, got %d", page, resp.StatusCode)
		}
		if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
			t.Errorf("%s page: expected text/html, got %q", page, got)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Failed to fetch healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
