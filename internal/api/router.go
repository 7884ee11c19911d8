package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/quietmaw/dread/internal/middleware"
	"github.com/quietmaw/dread/internal/services"
)

type Router struct {
	scheduler *services.ChainScheduler
	collector *services.ResponseCollector
	consent   *services.ConsentService
	mantle    *services.MantleService
	auth      *services.AuthService
	authority *middleware.TokenAuthority
	log       *zap.Logger
}

func NewRouter(scheduler *services.ChainScheduler, collector *services.ResponseCollector, consent *services.ConsentService, mantle *services.MantleService, auth *services.AuthService, authority *middleware.TokenAuthority, log *zap.Logger) *Router {
	return &Router{
		scheduler: scheduler,
		collector: collector,
		consent:   consent,
		mantle:    mantle,
		auth:      auth,
		authority: authority,
		log:       log,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", rt.handleRoot)                  // GET liveness
	mux.HandleFunc("/health", rt.handleHealth)          // GET
	mux.HandleFunc("/create", rt.handleCreate)          // POST
	mux.HandleFunc("/open/", rt.handleOpen)             // GET /open/{token}
	mux.HandleFunc("/respond/", rt.handleRespond)       // POST /respond/{token}
	mux.HandleFunc("/sms", rt.handleSMS)                // POST inbound webhook
	mux.HandleFunc("/admin/login", rt.handleAdminLogin) // POST
	mux.Handle("/admin/call-phrase", middleware.RequireAdmin(rt.authority, rt.auth.VerifySecret,
		http.HandlerFunc(rt.handleCallPhrase))) // POST
}

func (rt *Router) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Dread is listening.\n"))
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": "dread"})
}

// POST /create
// {question, participants[], window?{min,max}}
func (rt *Router) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Question     string   `json:"question"`
		Participants []string `json:"participants"`
		Window       *struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"window"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, services.NewInvalidError("bad request body"))
		return
	}
	var window *services.FireWindow
	if req.Window != nil {
		window = &services.FireWindow{Min: req.Window.Min, Max: req.Window.Max}
	}
	id, delay, err := rt.scheduler.Create(req.Question, req.Participants, window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "id": id, "scheduledInSeconds": int(delay.Seconds()),
	})
}

// GET /open/{token}
func (rt *Router) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := pathToken(r.URL.Path, "/open/")
	if token == "" {
		renderMessage(w, http.StatusNotFound, "There is no session here.")
		return
	}
	view, err := rt.collector.View(token)
	if err != nil {
		rt.renderLookupError(w, err)
		return
	}
	renderSession(w, sessionPageData{
		Token:            token,
		Question:         view.Question,
		RemainingSeconds: view.RemainingSeconds,
		Used:             view.Used,
	})
}

// POST /respond/{token}
func (rt *Router) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := pathToken(r.URL.Path, "/respond/")
	if token == "" {
		renderMessage(w, http.StatusNotFound, "There is no session here.")
		return
	}
	status, err := rt.collector.Submit(token, r.FormValue("answer"))
	if err != nil {
		rt.renderLookupError(w, err)
		return
	}
	switch status {
	case services.SubmitAccepted:
		renderMessage(w, http.StatusOK, "It is recorded.")
	case services.SubmitAlreadyUsed:
		renderMessage(w, http.StatusOK, "This session was already used.")
	case services.SubmitExpired:
		renderMessage(w, http.StatusOK, "Time expired. The silence is recorded.")
	}
}

// POST /sms is the inbound gateway webhook. It always acknowledges 200 so the
// provider never retries into the game.
func (rt *Router) handleSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sender := strings.TrimSpace(r.FormValue("From"))
	body := r.FormValue("Body")
	if sender == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if handled, err := rt.consent.HandleKeyword(sender, body); err != nil {
		rt.log.Warn("consent keyword", zap.Error(err))
	} else if handled {
		w.WriteHeader(http.StatusOK)
		return
	}

	if claimed, err := rt.mantle.TryClaim(sender, body); err != nil {
		rt.log.Warn("mantle claim", zap.Error(err))
	} else if claimed {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := rt.collector.SubmitBySender(sender, body); err != nil {
		if se, ok := services.AsServiceError(err); !ok || se.Code != services.ErrorNotFound {
			rt.log.Warn("inbound submit", zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusOK)
}

// POST /admin/login: {secret} -> {token}
func (rt *Router) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, services.NewInvalidError("bad request body"))
		return
	}
	token, err := rt.auth.Login(req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": token})
}

// POST /admin/call-phrase
func (rt *Router) handleCallPhrase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := rt.mantle.OpenPhraseCall(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (rt *Router) renderLookupError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok && se.Code == services.ErrorNotFound {
		renderMessage(w, http.StatusNotFound, "There is no session here.")
		return
	}
	rt.log.Error("session lookup", zap.Error(err))
	renderMessage(w, http.StatusInternalServerError, "Something slipped. Try again.")
}

func pathToken(path, prefix string) string {
	token := strings.TrimPrefix(path, prefix)
	if token == "" || strings.Contains(token, "/") {
		return ""
	}
	return token
}
