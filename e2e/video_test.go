package e2e

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestGenerate_NoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/videos/generate", `{"prompt":"a sunset"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)

	resp, err = doRequest(ta.app, http.MethodPost, "/api/v1/generate", `{"prompt":"a sunset"}`, map[string]string{"X-API-Key": "wrong"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestGenerate_ValidationError(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/videos/generate", `{"prompt":"a sunset","quality":"4k"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	body := parseJSON(t, resp)
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", body)
	}
}

func TestGenerate_CompletesWithThumbnail(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/videos/generate", `{"prompt":"A golden sunset over the sea","quality":"premium"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	created := parseJSON(t, resp)
	jobID, _ := created["jobId"].(string)
	if jobID == "" || created["decision"] != "created" {
		t.Fatalf("unexpected response %v", created)
	}

	final := waitForStatus(t, ta.app, jobID, 20*time.Second)
	if final["status"] != "completed" {
		t.Fatalf("expected completed, got %v", final)
	}
	video, _ := final["videoLocation"].(string)
	if !strings.HasSuffix(video, "/sample_0.mp4") {
		t.Errorf("unexpected video location %q", video)
	}
	if final["videoUrl"] == nil || final["thumbnailUrl"] == nil {
		t.Errorf("completed job should expose signed URLs: %v", final)
	}

	// the same request again reports the finished job instead of a new one
	resp, err = doAPIKeyRequest(ta.app, http.MethodPost, "/api/v1/generate", `{"prompt":"a golden sunset  over the sea","quality":"premium"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	dup := parseJSON(t, resp)
	if dup["jobId"] != jobID || dup["decision"] != "already_done" {
		t.Errorf("expected already_done for %s, got %v", jobID, dup)
	}
	if n := ta.provider.Submissions(); n != 1 {
		t.Errorf("expected one provider submission, got %d", n)
	}
}

func TestGenerate_ContentViolation(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAPIKeyRequest(ta.app, http.MethodPost, "/api/v1/generate", `{"prompt":"something [filtered]"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	jobID, _ := parseJSON(t, resp)["jobId"].(string)

	final := waitForStatus(t, ta.app, jobID, 20*time.Second)
	if final["status"] != "content_violation" {
		t.Fatalf("expected content_violation, got %v", final)
	}
	if final["error"] == nil || final["videoUrl"] != nil {
		t.Errorf("violation should carry an error and no video: %v", final)
	}
}

func TestListJobs(t *testing.T) {
	ta := setupApp(t)

	for _, prompt := range []string{"first prompt", "second prompt"} {
		resp, err := doAPIKeyRequest(ta.app, http.MethodPost, "/api/v1/generate", `{"prompt":"`+prompt+`"}`)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusAccepted)
		resp.Body.Close()
	}

	resp, err := doAPIKeyRequest(ta.app, http.MethodGet, "/api/v1/videos?limit=10", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["count"] != float64(2) {
		t.Errorf("expected 2 jobs, got %v", body["count"])
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/videos/does-not-exist", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}
