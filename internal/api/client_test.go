package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fwdctl/internal/model"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Start(context.Background(), "7", model.JobDiagnose)
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestClient_StartAndResult(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		switch r.URL.Path {
		case "/jobs/start":
			var req JobStartRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.NodeID != "7" || req.Kind != model.JobSpeedTest {
				t.Errorf("start req=%+v", req)
			}
			_, _ = w.Write([]byte(`{"code":0,"data":{"request_id":"r-1"}}`))
		case "/jobs/result":
			var req JobResultRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.RequestID != "r-1" {
				t.Errorf("result req=%+v", req)
			}
			_, _ = w.Write([]byte(`{"code":0,"data":{"content":"AB","done":true,"time_ms":1500}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer s.Close()

	c := NewClient(s.URL + "/")
	id, err := c.Start(context.Background(), "7", model.JobSpeedTest)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id != "r-1" {
		t.Fatalf("id=%q", id)
	}
	res, err := c.Result(context.Background(), "7", model.JobSpeedTest, id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Content != "AB" || !res.Done || res.TimeMs != 1500 {
		t.Fatalf("res=%+v", res)
	}
}

func TestClient_ApplicationErrorCode(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":-1,"msg":"node offline"}`))
	}))
	defer s.Close()

	_, err := NewClient(s.URL).Start(context.Background(), "7", model.JobDiagnose)
	if err == nil || !strings.Contains(err.Error(), "node offline") {
		t.Fatalf("err=%v", err)
	}
}
