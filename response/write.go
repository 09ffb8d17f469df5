package response

import (
	"encoding/json"
	"net/http"
)

// WriteError writes e as the JSON body with its StatusCode
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	write(w, e.StatusCode, e)
}

// WriteResponse writes v as a JSON body with 200 OK
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	write(w, http.StatusOK, v)
}

func write(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
