package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodedErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	CodedErrorResponse(rec, "forbidden", "not a participant", http.StatusForbidden)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Response{Error: "not a participant", Code: "forbidden"}, body)
}

func TestErrorResponseOmitsCode(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorResponse(rec, "Invalid request body", http.StatusBadRequest)

	assert.NotContains(t, rec.Body.String(), `"code"`)
}
