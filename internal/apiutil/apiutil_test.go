package apiutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/catbird/mls-ds/internal/apierror"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"hello": "world"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got["hello"] != "world" {
		t.Errorf("body = %v", got)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, "InvalidRequest", "bad input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var got ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Error != "InvalidRequest" || got.Message != "bad input" {
		t.Errorf("body = %+v", got)
	}
}

func TestWriteAPIError_TaggedError(t *testing.T) {
	w := httptest.NewRecorder()
	err := apierror.New(apierror.KindNotFound, "conversation not found")

	WriteAPIError(w, discardLogger(), err)

	if w.Code != apierror.HTTPStatus(apierror.KindNotFound) {
		t.Errorf("status = %d, want %d", w.Code, apierror.HTTPStatus(apierror.KindNotFound))
	}
	var got ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Error != string(apierror.KindNotFound) {
		t.Errorf("error code = %q, want %q", got.Error, apierror.KindNotFound)
	}
}

func TestWriteAPIError_UntaggedError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAPIError(w, discardLogger(), errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var got ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Error != string(apierror.KindStorageError) {
		t.Errorf("error code = %q, want generic storage error kind", got.Error)
	}
}

func TestDecodeJSON_Valid(t *testing.T) {
	body := strings.NewReader(`{"name":"alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	w := httptest.NewRecorder()

	var dst struct {
		Name string `json:"name"`
	}
	if ok := DecodeJSON(w, req, &dst); !ok {
		t.Fatal("expected DecodeJSON to succeed")
	}
	if dst.Name != "alice" {
		t.Errorf("decoded name = %q, want alice", dst.Name)
	}
}

func TestDecodeJSON_Invalid(t *testing.T) {
	body := bytes.NewReader([]byte(`not json`))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	w := httptest.NewRecorder()

	var dst struct{}
	if ok := DecodeJSON(w, req, &dst); ok {
		t.Fatal("expected DecodeJSON to fail on malformed body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
