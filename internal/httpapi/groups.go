package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mystify/realtime/internal/group"
)

type createGroupBody struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type addMembersBody struct {
	UserIDs []string `json:"user_ids"`
}

type addMembersResponse struct {
	Added []string `json:"added"`
}

type membersResponse struct {
	Members []group.Member `json:"members"`
}

func (a *api) createGroup(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body createGroupBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := a.Conversations.CreateGroup(r.Context(), user, body.Name, body.Members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *api) groupMembers(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	members, err := a.Conversations.GroupMembers(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, membersResponse{Members: members})
}

func (a *api) addGroupMembers(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body addMembersBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	added, err := a.Conversations.AddGroupMembers(r.Context(), user, mux.Vars(r)["id"], body.UserIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if added == nil {
		added = []string{}
	}
	writeJSON(w, http.StatusOK, addMembersResponse{Added: added})
}

func (a *api) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	if err := a.Conversations.RemoveGroupMember(r.Context(), user, vars["id"], vars["user"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteGroup(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.Conversations.DeleteGroup(r.Context(), user, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
