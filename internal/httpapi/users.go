package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mystify/realtime/internal/report"
)

// reportWindow is the lookback for the recent-report count returned with a
// new report.
const reportWindow = 24 * time.Hour

type typingBody struct {
	CounterpartID string `json:"counterpart_id"`
}

type readBody struct {
	EventIDs []string `json:"event_ids"`
}

type deliveredBody struct {
	EventID string `json:"event_id"`
}

type reportBody struct {
	ReportedID string `json:"reported_user_id"`
	Topic      string `json:"topic"`
	EventID    string `json:"event_id"`
	Reason     string `json:"reason"`
	Notes      string `json:"notes"`
}

type reportResponse struct {
	Report report.Report `json:"report"`
	// Recent counts reports against the same user within reportWindow.
	Recent int `json:"recent_reports"`
}

type blockBody struct {
	UserID string `json:"user_id"`
}

type presenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (a *api) setTyping(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body typingBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.Conversations.SetTyping(r.Context(), user, body.CounterpartID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body readBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Conversations.MarkRead(r.Context(), user, body.EventIDs); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) markDelivered(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	var body deliveredBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Conversations.MarkDelivered(r.Context(), body.EventID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) createReport(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body reportBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := a.Reports.Create(r.Context(), report.Report{
		ReporterID: user,
		ReportedID: body.ReportedID,
		Topic:      body.Topic,
		EventID:    body.EventID,
		Reason:     body.Reason,
		Notes:      body.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	recent, err := a.Reports.CountRecent(r.Context(), created.ReportedID, reportWindow)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reportResponse{Report: created, Recent: recent})
}

func (a *api) block(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body blockBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Reports.Block(r.Context(), user, body.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unblock(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Reports.Unblock(r.Context(), user, mux.Vars(r)["user"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) presence(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	target := mux.Vars(r)["user"]
	online, err := a.Sessions.Online(r.Context(), target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: target, Online: online})
}
