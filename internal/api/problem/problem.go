// Package problem renders errors as RFC 7807 problem documents.
package problem

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC 7807 error document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// New builds a problem with the default "about:blank" type.
func New(status int, title, detail string) *Problem {
	return &Problem{Type: "about:blank", Title: title, Status: status, Detail: detail}
}

// Write renders the problem to the response.
func (p *Problem) Write(w http.ResponseWriter, r *http.Request) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusBadRequest, "Bad Request", detail).Write(w, r)
}

func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusUnauthorized, "Unauthorized", detail).Write(w, r)
}

func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusForbidden, "Forbidden", detail).Write(w, r)
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusNotFound, "Not Found", detail).Write(w, r)
}

func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusConflict, "Conflict", detail).Write(w, r)
}

func Gone(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusGone, "Gone", detail).Write(w, r)
}

func UnprocessableEntity(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusUnprocessableEntity, "Unprocessable Entity", detail).Write(w, r)
}

func Internal(w http.ResponseWriter, r *http.Request) {
	New(http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred").Write(w, r)
}
