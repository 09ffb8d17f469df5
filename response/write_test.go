package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(w, r, ErrInvalidSignature())

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Bad request", body["error"])
	require.Equal(t, []interface{}{"Unable to verify webhook signature"}, body["messages"])
}

func TestWriteResponse(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteResponse(w, r, map[string]int{"balance": 10})

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"balance":10}`, w.Body.String())
}
