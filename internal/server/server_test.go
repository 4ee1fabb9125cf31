package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/groupchat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/rag/ingest"
	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/taskqueue"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

type stubService struct {
	content string
}

func (s *stubService) Name() string        { return "stub" }
func (s *stubService) SupportsTools() bool { return false }

func (s *stubService) Stream(ctx context.Context, req llm.Request, onDelta llm.Delta) (*llm.Result, error) {
	if onDelta != nil {
		onDelta(s.content)
	}
	return &llm.Result{Content: s.content, FinishReason: "stop"}, nil
}

type stubResolver struct {
	svc llm.Service
}

func (r stubResolver) ForSettings(models.ModelSettings) (llm.Service, error) { return r.svc, nil }

type stubRuntime struct{}

func (stubRuntime) ListTools(context.Context, tools.ListOptions) ([]tools.Decl, error) {
	return nil, nil
}

func (stubRuntime) CallTool(context.Context, tools.CallRequest) (string, error) { return "", nil }

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	queue *taskqueue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg := config.Default()
	cfg.Data.Root = t.TempDir()

	mem := store.NewMemory()
	h := hub.New(logger)
	caps := capability.New(mem, nil, logger)

	qcfg := taskqueue.DefaultConfig()
	qcfg.Dir = cfg.Data.TaskDir()
	queue, err := taskqueue.New(qcfg, logger, metrics)
	if err != nil {
		t.Fatalf("taskqueue.New: %v", err)
	}
	queue.RegisterHandler(ingest.TaskType, func(context.Context, json.RawMessage, taskqueue.ProgressFunc) (string, error) {
		return "", nil
	})

	vectors := vecstore.NewRegistry(cfg.Data.LockDir(), 4, logger, metrics)
	stores := ingest.NewStores(vectors, embeddings.NewRegistry(), cfg.Data)
	ret := retriever.New(stores, logger)

	runtime := stubRuntime{}
	resolver := stubResolver{svc: &stubService{content: "stub reply"}}
	orch := orchestrator.New(orchestrator.DefaultConfig(), mem, runtime, resolver, caps, h, metrics, logger)
	engine := groupchat.NewEngine(mem, mem, orch, groupchat.NewController(logger), h, metrics, logger)

	api := New(Deps{
		Config:    cfg,
		Store:     mem,
		Queue:     queue,
		Retriever: ret,
		Stores:    stores,
		Orch:      orch,
		Engine:    engine,
		Hub:       h,
		Caps:      caps,
		Runtime:   runtime,
		Logger:    logger,
	})
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: mem, queue: queue}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[map[string]string](t, resp)
	if got["status"] != "ok" {
		t.Errorf("status body = %q, want ok", got["status"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"user_id": "u1",
		"title":   "first",
		"settings": map[string]any{
			"provider": "anthropic",
			"model":    "test-model",
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decode[models.Session](t, resp)
	if created.ID == "" || created.UserID != "u1" {
		t.Fatalf("created session = %+v", created)
	}

	resp = f.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPut, "/api/sessions/"+created.ID, map[string]any{
		"title": "renamed",
	})
	updated := decode[models.Session](t, resp)
	if updated.Title != "renamed" {
		t.Errorf("updated title = %q, want renamed", updated.Title)
	}

	resp = f.do(t, http.MethodGet, "/api/sessions?user_id=u1", nil)
	listed := decode[[]models.Session](t, resp)
	if len(listed) != 1 {
		t.Fatalf("listed %d sessions, want 1", len(listed))
	}

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]any{"user_id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing model status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/sessions", map[string]any{"bogus": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatStreamsTurn(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"user_id":  "u1",
		"settings": map[string]any{"provider": "anthropic", "model": "test-model"},
	})
	session := decode[models.Session](t, resp)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/chat", map[string]any{
		"content": "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want 200", resp.StatusCode)
	}
	var result struct {
		Content string `json:"content"`
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode chat result: %v (%s)", err, body)
	}
	if result.Content != "stub reply" {
		t.Errorf("chat content = %q, want stub reply", result.Content)
	}

	msgs, err := f.store.ListMessages(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/knowledge", map[string]any{
		"user_id":   "u1",
		"name":      "Team Docs",
		"embedding": map[string]any{"provider": "openai", "model": "text-embedding-3-small"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	kb := decode[models.KnowledgeBase](t, resp)
	if kb.CollectionName == "" || strings.ContainsAny(kb.CollectionName, " /") {
		t.Errorf("collection name %q not sanitized", kb.CollectionName)
	}
	if kb.Chunking.ChunkSize <= 0 || kb.Search.TopK <= 0 {
		t.Errorf("defaults not applied: %+v", kb)
	}

	resp = f.do(t, http.MethodGet, "/api/knowledge?user_id=u1", nil)
	listed := decode[[]models.KnowledgeBase](t, resp)
	if len(listed) != 1 {
		t.Fatalf("listed %d KBs, want 1", len(listed))
	}

	resp = f.do(t, http.MethodDelete, "/api/knowledge/"+kb.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadDocumentQueuesIngest(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/knowledge", map[string]any{
		"user_id":   "u1",
		"name":      "uploads",
		"embedding": map[string]any{"provider": "openai", "model": "text-embedding-3-small"},
	})
	kb := decode[models.KnowledgeBase](t, resp)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("some plain text content"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/knowledge/"+kb.ID+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	uploadResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uploadResp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d, want 202", uploadResp.StatusCode)
	}
	doc := decode[models.Document](t, uploadResp)
	if doc.Status != models.DocumentUploaded {
		t.Errorf("doc status = %q, want uploaded", doc.Status)
	}
	if doc.TaskID == "" {
		t.Fatal("doc has no task id")
	}
	if doc.Filename != "notes.txt" {
		t.Errorf("filename = %q, want notes.txt", doc.Filename)
	}
	if filepath.Dir(doc.StorageURL) == "." {
		t.Errorf("storage url %q not a path", doc.StorageURL)
	}

	info, err := f.queue.Status(doc.TaskID)
	if err != nil {
		t.Fatalf("queue.Status: %v", err)
	}
	if info.Type != ingest.TaskType {
		t.Errorf("task type = %q, want %q", info.Type, ingest.TaskType)
	}

	resp = f.do(t, http.MethodGet, "/api/tasks/"+doc.TaskID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("task status endpoint = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/knowledge/"+kb.ID+"/documents", nil)
	docs := decode[[]models.Document](t, resp)
	if len(docs) != 1 {
		t.Fatalf("listed %d documents, want 1", len(docs))
	}
}

func TestDeleteKBRemovesUploadedFiles(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/knowledge", map[string]any{
		"user_id":   "u1",
		"name":      "doomed",
		"embedding": map[string]any{"provider": "openai", "model": "text-embedding-3-small"},
	})
	kb := decode[models.KnowledgeBase](t, resp)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "ephemeral.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("short-lived content"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/knowledge/"+kb.ID+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	uploadResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	doc := decode[models.Document](t, uploadResp)
	if _, err := os.Stat(doc.StorageURL); err != nil {
		t.Fatalf("uploaded file missing before delete: %v", err)
	}

	resp = f.do(t, http.MethodDelete, "/api/knowledge/"+kb.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	if _, err := os.Stat(doc.StorageURL); !os.IsNotExist(err) {
		t.Errorf("uploaded file survived KB deletion: %v", err)
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/tasks/no-such-task", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/search", map[string]any{"user_id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing query status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/search", map[string]any{"query": "anything"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing scope status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"user_id":  "u1",
		"settings": map[string]any{"provider": "anthropic", "model": "test-model"},
	})
	session := decode[models.Session](t, resp)

	resp = f.do(t, http.MethodPost, "/api/groups", map[string]any{
		"user_id": "u1",
		"name":    "standup",
		"members": []map[string]any{
			{"name": "alice", "type": "human", "user_id": "u1"},
			{"name": "helper", "type": "ai", "session_id": session.ID},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group status = %d, want 201", resp.StatusCode)
	}
	group := decode[models.Group](t, resp)
	if len(group.Members) != 2 {
		t.Fatalf("group has %d members, want 2", len(group.Members))
	}
	for _, m := range group.Members {
		if m.Presence != models.PresenceOnline {
			t.Errorf("member %s presence = %q, want online", m.Name, m.Presence)
		}
	}
	if group.Strategy.MaxAIConsecutiveReplies == 0 {
		t.Error("default strategy not applied")
	}

	resp = f.do(t, http.MethodGet, "/api/groups?user_id=u1", nil)
	listed := decode[[]models.Group](t, resp)
	if len(listed) != 1 {
		t.Fatalf("listed %d groups, want 1", len(listed))
	}

	resp = f.do(t, http.MethodPut, "/api/groups/"+group.ID+"/members/bob", map[string]any{
		"name":    "bob",
		"type":    "human",
		"user_id": "u2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert member status = %d, want 200", resp.StatusCode)
	}
	member := decode[models.GroupMember](t, resp)
	if member.ID != "bob" || member.Role != models.RoleMember {
		t.Errorf("upserted member = %+v", member)
	}

	resp = f.do(t, http.MethodDelete, "/api/groups/"+group.ID+"/members/bob", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove member status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/groups/"+group.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete group status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGroupMemberValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/groups", map[string]any{
		"user_id": "u1",
		"name":    "broken",
		"members": []map[string]any{
			{"name": "ghost", "type": "ai"},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("ai member without session status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPostGroupMessage(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/groups", map[string]any{
		"user_id": "u1",
		"name":    "lounge",
		"members": []map[string]any{
			{"id": "alice", "name": "alice", "type": "human", "user_id": "u1"},
		},
	})
	group := decode[models.Group](t, resp)

	resp = f.do(t, http.MethodPost, "/api/groups/"+group.ID+"/messages", map[string]any{
		"sender_id":   "alice",
		"sender_name": "alice",
		"content":     "hello group",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post message status = %d, want 202", resp.StatusCode)
	}
	posted := decode[models.GroupMessage](t, resp)
	if posted.SenderType != models.SenderHuman || posted.ID == "" {
		t.Errorf("posted message = %+v", posted)
	}

	resp = f.do(t, http.MethodGet, "/api/groups/"+group.ID+"/messages", nil)
	msgs := decode[[]models.GroupMessage](t, resp)
	if len(msgs) != 1 || msgs[0].Content != "hello group" {
		t.Fatalf("timeline = %+v, want the posted message", msgs)
	}
}

func TestGroupStopResume(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/groups", map[string]any{
		"user_id": "u1",
		"name":    "quiet",
	})
	group := decode[models.Group](t, resp)

	resp = f.do(t, http.MethodPost, "/api/groups/"+group.ID+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/groups/"+group.ID+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/groups/missing/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stop on missing group status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestModelCapabilityEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/models/capabilities", nil)
	var body struct {
		Unsupported []string `json:"unsupported_models"`
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode capabilities: %v (%s)", err, data)
	}
	if len(body.Unsupported) != 0 {
		t.Fatalf("unsupported = %v, want empty", body.Unsupported)
	}

	if err := f.store.UpsertCapability(context.Background(), &models.ModelCapability{
		ModelName:     "legacy-model",
		SupportsTools: false,
	}); err != nil {
		t.Fatalf("UpsertCapability: %v", err)
	}

	resp = f.do(t, http.MethodGet, "/api/models/capabilities", nil)
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode capabilities: %v", err)
	}
	if len(body.Unsupported) != 1 || body.Unsupported[0] != "legacy-model" {
		t.Fatalf("unsupported = %v, want [legacy-model]", body.Unsupported)
	}

	resp = f.do(t, http.MethodPost, "/api/models/legacy-model/supported", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark supported status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	record, err := f.store.GetCapability(context.Background(), "legacy-model")
	if err != nil {
		t.Fatalf("GetCapability: %v", err)
	}
	if !record.SupportsTools {
		t.Error("model still recorded as unsupported after override")
	}
}
