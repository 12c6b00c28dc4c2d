package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequest(rec, "nope")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "nope", body.Error)

	rec = httptest.NewRecorder()
	Unauthorized(rec, "bad signature")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad signature")
}

func TestReadBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", MaxBodyBytes+1)))
	rec := httptest.NewRecorder()
	_, ok := ReadBody(rec, req)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	_, ok = ReadBody(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("")))
	assert.False(t, ok)
	assert.Contains(t, rec.Body.String(), "empty body")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("[]"))
	body, ok := ReadBody(httptest.NewRecorder(), req)
	assert.True(t, ok)
	assert.Equal(t, "[]", string(body))
}
