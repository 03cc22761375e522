package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("token: %w", ErrUnauthorized), http.StatusUnauthorized, "unauthorized"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{ErrNotFound, http.StatusNotFound, "not_found"},
		{errors.New("db down"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code)
		require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

		var p ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
		require.Equal(t, tc.kind, p.Kind)
		require.Equal(t, "urn:odyssey:problem:"+tc.kind, p.Type)
		if tc.status == http.StatusInternalServerError {
			require.Empty(t, p.Detail)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	decode := func(raw string) (body, error) {
		var b body
		err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw)), &b)
		return b, err
	}

	b, err := decode(`{"name":"acme"}`)
	require.NoError(t, err)
	require.Equal(t, "acme", b.Name)

	_, err = decode(`{"name":"acme","extra":1}`)
	require.ErrorContains(t, err, "unknown field")

	_, err = decode(`{"name":"a"} {"name":"b"}`)
	require.ErrorContains(t, err, "trailing data")

	_, err = decode(``)
	require.ErrorIs(t, err, ErrEmptyBody)
}
