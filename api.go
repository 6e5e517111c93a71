package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	qrSize = 320 // mobile-friendly size

	// Close code sent when a live connection targets a missing party,
	// kept out of the reserved 1xxx range.
	closePartyNotFound = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func parsePartyID(ps httprouter.Params) (int64, error) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %q", ErrPartyNotFound, ps.ByName("id"))
	}

	return id, nil
}

func corsHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", cfg.corsOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func apiJSON(cfg *Config, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	corsHeaders(cfg, w)
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

// apiError maps command failures onto the wire: validation failures get
// a specific reason, anything else is reported as a generic server-side
// failure without leaking storage internals.
func apiError(cfg *Config, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPartyNotFound):
		apiJSON(cfg, w, http.StatusNotFound, map[string]string{"detail": "Party not found"})
	case errors.Is(err, ErrInvalidStatus):
		apiJSON(cfg, w, http.StatusBadRequest, map[string]string{"detail": "Invalid status"})
	default:
		log.Printf("%s | ERROR: %v", time.Now().Format(logDate), err)
		apiJSON(cfg, w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
	}
}

// requestBaseURL prefers the configured public URL, otherwise derives
// one from the request (respecting TLS and X-Forwarded-Proto).
func requestBaseURL(cfg *Config, r *http.Request) string {
	if cfg.baseURL != "" {
		return strings.TrimSuffix(cfg.baseURL, "/") + cfg.prefix
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	return scheme + "://" + r.Host + cfg.prefix
}

// partyLinks decorates a party with its manage/display/add URLs and,
// when asked, a base64 PNG QR code of the add URL.
func partyLinks(cfg *Config, r *http.Request, party *Party, includeQR bool) (*PartyLinks, error) {
	base := requestBaseURL(cfg, r)

	links := &PartyLinks{
		Party:      *party,
		ManageURL:  fmt.Sprintf("%s/party/%d/manage", base, party.ID),
		DisplayURL: fmt.Sprintf("%s/party/%d/display", base, party.ID),
		AddURL:     fmt.Sprintf("%s/party/%d/add", base, party.ID),
	}

	if includeQR {
		png, err := qrcode.Encode(links.AddURL, qrcode.Medium, qrSize)
		if err != nil {
			return nil, fmt.Errorf("failed to render qr code: %w", err)
		}
		links.QRCode = base64.StdEncoding.EncodeToString(png)
	}

	return links, nil
}

func createParty(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		party, err := store.CreateParty(r.Context())
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		links, err := partyLinks(cfg, r, party, true)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		apiJSON(cfg, w, http.StatusCreated, links)

		logf(cfg, "PARTY: Created party %d for %s in %s",
			party.ID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func getParty(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partyID, err := parsePartyID(ps)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		party, err := store.GetParty(r.Context(), partyID)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		apiJSON(cfg, w, http.StatusOK, party)
	}
}

func getPartyLinks(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partyID, err := parsePartyID(ps)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		party, err := store.GetParty(r.Context(), partyID)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		includeQR := r.URL.Query().Get("include_qr") != "false"

		links, err := partyLinks(cfg, r, party, includeQR)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		apiJSON(cfg, w, http.StatusOK, links)
	}
}

type wordRequest struct {
	Text string `json:"text"`
}

// addWord persists a word and fans out word_added, with the store write
// and the broadcast serialized against joins for the same party. A
// missing party short-circuits before anything is broadcast.
func addWord(cfg *Config, store *Store, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		partyID, err := parsePartyID(ps)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		var req wordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			apiJSON(cfg, w, http.StatusBadRequest, map[string]string{"detail": "Word text must not be empty"})

			return
		}

		var word *Word
		err = registry.Update(partyID, func() (any, error) {
			var err error
			word, err = store.AddWord(r.Context(), partyID, req.Text)
			if err != nil {
				return nil, err
			}

			return wordAddedMessage{Type: "word_added", Word: word}, nil
		})
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		apiJSON(cfg, w, http.StatusCreated, word)

		logf(cfg, "WORDS: Added word %d to party %d for %s in %s",
			word.ID,
			partyID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// updateStatus validates the requested status at the boundary, applies
// it, and fans out status_changed. Invalid values never reach the store.
func updateStatus(cfg *Config, store *Store, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		partyID, err := parsePartyID(ps)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		status, err := ParseStatus(r.URL.Query().Get("status"))
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		var party *Party
		err = registry.Update(partyID, func() (any, error) {
			var err error
			party, err = store.SetPartyStatus(r.Context(), partyID, status)
			if err != nil {
				return nil, err
			}

			return statusChangedMessage{Type: "status_changed", Status: party.Status}, nil
		})
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		apiJSON(cfg, w, http.StatusOK, party)

		logf(cfg, "PARTY: Set party %d status to %q for %s in %s",
			partyID,
			status,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveWebSocket opens a live connection for one party. The handshake
// always completes; a missing party is then refused with a distinct
// close reason so browser clients can tell it apart from a network drop.
func serveWebSocket(cfg *Config, store *Store, registry *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partyID, err := parsePartyID(ps)
		if err != nil {
			http.Error(w, "party not found", http.StatusNotFound)

			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "WS: Upgrade failed for %s: %v", realIP(r), err)

			return
		}

		client := newClient(conn)

		err = registry.Join(partyID, client, func() (any, error) {
			party, err := store.GetParty(r.Context(), partyID)
			if err != nil {
				return nil, err
			}

			return initMessage{Type: "init", Party: party}, nil
		})
		if err != nil {
			code := websocket.CloseInternalServerErr
			reason := "internal error"
			if errors.Is(err, ErrPartyNotFound) {
				code = closePartyNotFound
				reason = "party not found"
			}

			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(writeWait))
			_ = conn.Close()

			return
		}

		logf(cfg, "WS: Viewer from %s joined party %d", realIP(r), partyID)

		go client.writePump()
		client.readPump(registry, partyID)

		logf(cfg, "WS: Viewer from %s left party %d", realIP(r), partyID)
	}
}

// qrHandler serves the add-link QR code as a raw PNG, for use as a
// plain <img> source on the manage page.
func qrHandler(cfg *Config, store *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		partyID, err := parsePartyID(ps)
		if err != nil {
			apiError(cfg, w, err)

			return
		}

		if _, err := store.GetParty(r.Context(), partyID); err != nil {
			apiError(cfg, w, err)

			return
		}

		addURL := fmt.Sprintf("%s/party/%d/add", requestBaseURL(cfg, r), partyID)

		png, err := qrcode.Encode(addURL, qrcode.Medium, qrSize)
		if err != nil {
			apiError(cfg, w, fmt.Errorf("failed to render qr code: %w", err))

			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)

		logf(cfg, "PARTY: Served QR code (%s) for party %d to %s",
			humanReadableSize(int64(len(png))),
			partyID,
			realIP(r),
		)
	}
}

// registerParty sets up the party API, the live websocket, and the
// viewer pages:
//   - POST  /api/party              → create, returns party + links + QR
//   - GET   /api/party/:id          → party with ordered words
//   - GET   /api/party/:id/links    → party + links (?include_qr=false to skip)
//   - POST  /api/party/:id/words    → submit a word, broadcasts word_added
//   - PATCH /api/party/:id/status   → flip add/display, broadcasts status_changed
//   - GET   /api/party/:id/ws       → live events for that party
//   - GET   /party/:id/{manage,display,add} → embedded pages
//   - GET   /party/:id/qr           → add-link QR code as PNG
func registerParty(cfg *Config, store *Store, registry *Registry, mux *httprouter.Router, errs chan<- error) {
	mux.POST(cfg.prefix+"/api/party", createParty(cfg, store))
	mux.GET(cfg.prefix+"/api/party/:id", getParty(cfg, store))
	mux.GET(cfg.prefix+"/api/party/:id/links", getPartyLinks(cfg, store))
	mux.POST(cfg.prefix+"/api/party/:id/words", addWord(cfg, store, registry))
	mux.PATCH(cfg.prefix+"/api/party/:id/status", updateStatus(cfg, store, registry))
	mux.GET(cfg.prefix+"/api/party/:id/ws", serveWebSocket(cfg, store, registry))

	mux.GET(cfg.prefix+"/party/:id/manage", servePartyPage(cfg, "manage", errs))
	mux.GET(cfg.prefix+"/party/:id/display", servePartyPage(cfg, "display", errs))
	mux.GET(cfg.prefix+"/party/:id/add", servePartyPage(cfg, "add", errs))
	mux.GET(cfg.prefix+"/party/:id/qr", qrHandler(cfg, store))
}
