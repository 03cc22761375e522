package httpx

import (
	"errors"
	"net/http"
)

// Sentinels raised by the auth and rbac middleware.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("resource not found")
)

type problemMapping struct {
	err    error
	status int
	title  string
	kind   string
}

var problemMappings = []problemMapping{
	{ErrUnauthorized, http.StatusUnauthorized, "Unauthorized", "unauthorized"},
	{ErrForbidden, http.StatusForbidden, "Forbidden", "forbidden"},
	{ErrNotFound, http.StatusNotFound, "Not Found", "not_found"},
}

// RespondError writes the problem registered for err. Anything else is a 500
// whose detail is withheld.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range problemMappings {
		if errors.Is(err, m.err) {
			KindProblem(w, m.status, m.title, err.Error(), m.kind)
			return
		}
	}
	KindProblem(w, http.StatusInternalServerError, "Internal Error", "", "internal")
}
