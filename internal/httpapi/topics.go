package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mystify/realtime/internal/conversation"
	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/topic"
)

type appendBody struct {
	Kind             eventlog.Kind   `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	IdempotencyKey   string          `json:"idempotency_key"`
	ExpectedSequence *uint64         `json:"expected_sequence"`
}

type reactBody struct {
	EventID string `json:"event_id"`
	Emoji   string `json:"emoji"`
}

type appendResponse struct {
	Event     eventlog.Event `json:"event"`
	Duplicate bool           `json:"duplicate"`
}

type eventsResponse struct {
	Topic  string           `json:"topic"`
	Events []eventlog.Event `json:"events"`
}

func pathTopic(r *http.Request) (topic.Topic, error) {
	t, err := topic.Parse(mux.Vars(r)["topic"])
	if err != nil {
		return topic.Topic{}, errs.Reject(errs.ReasonInvalidPayload, "%v", err)
	}
	return t, nil
}

// appendEvent handles POST /v1/topics/{topic}/events. A replayed idempotency
// key answers 200 with the original event instead of 201.
func (a *api) appendEvent(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := pathTopic(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body appendBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Kind == "" {
		body.Kind = eventlog.KindMessage
	}

	res, err := a.Conversations.Append(r.Context(), conversation.AppendRequest{
		Topic:            t,
		Kind:             body.Kind,
		ActorID:          user,
		Payload:          body.Payload,
		IdempotencyKey:   body.IdempotencyKey,
		ExpectedSequence: body.ExpectedSequence,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, appendResponse{Event: res.Event, Duplicate: res.Duplicate})
}

// listEvents handles GET /v1/topics/{topic}/events?since=&limit=.
func (a *api) listEvents(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := pathTopic(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	since, err := queryInt(r, "since")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit > eventlog.DefaultPageSize {
		limit = eventlog.DefaultPageSize
	}

	events, err := a.Conversations.History(r.Context(), user, t, uint64(since), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Topic: t.String(), Events: events})
}

func (a *api) react(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := pathTopic(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body reactBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Conversations.React(r.Context(), t, user, body.EventID, body.Emoji)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{Event: res.Event, Duplicate: res.Duplicate})
}

func (a *api) receipt(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	rc, err := a.Conversations.Receipt(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (a *api) reactions(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	rs, err := a.Conversations.Reactions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
