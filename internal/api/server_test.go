package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/audioscribe/audioscribe-backend/internal/auth"
	"github.com/audioscribe/audioscribe-backend/internal/job"
	"github.com/audioscribe/audioscribe-backend/internal/objstore"
	"github.com/audioscribe/audioscribe-backend/internal/queue"
	"github.com/audioscribe/audioscribe-backend/internal/storage"
)

type testEnv struct {
	store  *storage.SQLiteStorage
	queue  *queue.Memory
	server *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	f, err := os.CreateTemp("", "audioscribe_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	store := storage.NewSQLiteStorage()
	if err := store.Init(path); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("local objstore: %v", err)
	}
	authn := auth.NewTokenAuthenticator(map[string]auth.Identity{
		"alice-token": {UserID: 1},
		"bob-token":   {UserID: 2},
		"admin-token": {UserID: 99, Superuser: true},
	})

	q := queue.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(store, q, blobs, authn, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{store: store, queue: q, server: srv, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, b
}

func audioForm(t *testing.T, filename, contentType string, payload []byte) (io.Reader, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()
	return buf, mw.FormDataContentType()
}

func TestUploadCreatesPendingJob(t *testing.T) {
	e := newTestEnv(t)
	body, ct := audioForm(t, "standup.mp3", "audio/mpeg", bytes.Repeat([]byte{0xff}, 4096))

	res, b := e.do(t, http.MethodPost, "/api/v1/transcriptions/upload", "alice-token", body, ct)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, b)
	}
	var sub submissionResponse
	if err := json.Unmarshal(b, &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.JobID == "" || sub.Status != job.StatusPending {
		t.Fatalf("unexpected submission response: %+v", sub)
	}

	j, err := e.store.GetJobByID(sub.JobID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if j.UserID != 1 || j.Filename != "standup.mp3" {
		t.Fatalf("unexpected job: %+v", j)
	}
	if !j.Flags.Diarization || !j.Flags.Sentiment || !j.Flags.Summarization {
		t.Fatalf("flags must default to enabled: %+v", j.Flags)
	}
	if !strings.HasPrefix(j.SourceURL, "file://") {
		t.Fatalf("source url not set: %q", j.SourceURL)
	}

	msg, err := e.queue.Receive(context.Background())
	if err != nil || msg == nil || msg.JobID != sub.JobID {
		t.Fatalf("job was not enqueued: %+v, %v", msg, err)
	}
}

func TestUploadFlagsOff(t *testing.T) {
	e := newTestEnv(t)
	body, ct := audioForm(t, "a.wav", "audio/wav", []byte("RIFF"))

	res, b := e.do(t, http.MethodPost,
		"/api/v1/transcriptions/upload?enable_speaker_diarization=false&enable_sentiment_analysis=false",
		"alice-token", body, ct)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, b)
	}
	var sub submissionResponse
	if err := json.Unmarshal(b, &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	j, err := e.store.GetJobByID(sub.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Flags.Diarization || j.Flags.Sentiment {
		t.Fatalf("flags not honored: %+v", j.Flags)
	}
	if !j.Flags.Summarization {
		t.Fatal("unspecified flag must keep its default")
	}
}

func TestUploadRejectsBadType(t *testing.T) {
	e := newTestEnv(t)
	body, ct := audioForm(t, "notes.txt", "text/plain", []byte("hello"))

	res, b := e.do(t, http.MethodPost, "/api/v1/transcriptions/upload", "alice-token", body, ct)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, b)
	}
	jobs, err := e.store.ListJobs(1, false, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatal("rejected upload must not create a job row")
	}
}

func TestUploadRejectsOversized(t *testing.T) {
	e := newTestEnv(t)
	e.server.maxUpload = 1024
	body, ct := audioForm(t, "big.mp3", "audio/mpeg", bytes.Repeat([]byte{0x00}, 2048))

	res, b := e.do(t, http.MethodPost, "/api/v1/transcriptions/upload", "alice-token", body, ct)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, b)
	}
	jobs, err := e.store.ListJobs(1, false, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatal("rejected upload must not create a job row")
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	body, ct := audioForm(t, "a.mp3", "audio/mpeg", []byte("x"))
	res, _ := e.do(t, http.MethodPost, "/api/v1/transcriptions/upload", "", body, ct)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func seedJob(t *testing.T, e *testEnv, userID int64) *job.Job {
	t.Helper()
	j := &job.Job{UserID: userID, Filename: "x.mp3", SourceURL: "file:///x.mp3", Flags: job.DefaultFlags()}
	if err := e.store.CreateJob(j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j
}

func TestGetVisibility(t *testing.T) {
	e := newTestEnv(t)
	j := seedJob(t, e, 1)

	res, b := e.do(t, http.MethodGet, "/api/v1/transcriptions/"+j.ID, "alice-token", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner get: expected 200, got %d: %s", res.StatusCode, b)
	}
	var got job.Job
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != j.ID || got.Status != job.StatusPending {
		t.Fatalf("unexpected projection: %+v", got)
	}
	if got.Result != nil {
		t.Fatal("pending job must project a null result")
	}

	res, _ = e.do(t, http.MethodGet, "/api/v1/transcriptions/"+j.ID, "bob-token", nil, "")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner get: expected 403, got %d", res.StatusCode)
	}

	res, _ = e.do(t, http.MethodGet, "/api/v1/transcriptions/"+j.ID, "admin-token", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("superuser get: expected 200, got %d", res.StatusCode)
	}

	res, _ = e.do(t, http.MethodGet, "/api/v1/transcriptions/does-not-exist", "alice-token", nil, "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing get: expected 404, got %d", res.StatusCode)
	}
}

func TestListScoping(t *testing.T) {
	e := newTestEnv(t)
	seedJob(t, e, 1)
	time.Sleep(5 * time.Millisecond)
	seedJob(t, e, 1)
	seedJob(t, e, 2)

	res, b := e.do(t, http.MethodGet, "/api/v1/transcriptions", "alice-token", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", res.StatusCode)
	}
	var jobs []job.Job
	if err := json.Unmarshal(b, &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs for alice, got %d", len(jobs))
	}

	res, b = e.do(t, http.MethodGet, "/api/v1/transcriptions", "admin-token", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list: expected 200, got %d", res.StatusCode)
	}
	if err := json.Unmarshal(b, &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected all 3 jobs for superuser, got %d", len(jobs))
	}

	res, b = e.do(t, http.MethodGet, "/api/v1/transcriptions?skip=1&limit=1", "alice-token", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("paged list: expected 200, got %d", res.StatusCode)
	}
	if err := json.Unmarshal(b, &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job on page, got %d", len(jobs))
	}
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	j := seedJob(t, e, 1)

	res, _ := e.do(t, http.MethodDelete, "/api/v1/transcriptions/"+j.ID, "bob-token", nil, "")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner delete: expected 403, got %d", res.StatusCode)
	}

	res, _ = e.do(t, http.MethodDelete, "/api/v1/transcriptions/"+j.ID, "alice-token", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", res.StatusCode)
	}

	res, _ = e.do(t, http.MethodDelete, "/api/v1/transcriptions/"+j.ID, "alice-token", nil, "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", res.StatusCode)
	}
}
