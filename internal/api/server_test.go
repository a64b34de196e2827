package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dialflow/dialflow/internal/action"
	"github.com/dialflow/dialflow/internal/call"
	"github.com/dialflow/dialflow/internal/catalog"
	"github.com/dialflow/dialflow/internal/config"
	"github.com/dialflow/dialflow/internal/dial"
	"github.com/dialflow/dialflow/internal/ivr"
	"github.com/dialflow/dialflow/internal/pbx"
	"github.com/dialflow/dialflow/internal/push"
	"github.com/dialflow/dialflow/internal/trunk"
)

// fakePBX implements PBXClient, recording originations and hangups.
type fakePBX struct {
	mu           sync.Mutex
	originates   []pbx.OriginateParams
	hangups      []string
	originateErr error
	hangupErr    error

	// originateGate, when set, blocks Originate until it is closed.
	originateGate chan struct{}
}

func (f *fakePBX) DialEndpoint(trunkID, number string) string {
	return "PJSIP/" + number + "@" + trunkID
}

func (f *fakePBX) Originate(ctx context.Context, p pbx.OriginateParams) error {
	if f.originateGate != nil {
		<-f.originateGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.originateErr != nil {
		return f.originateErr
	}
	f.originates = append(f.originates, p)
	return nil
}

func (f *fakePBX) Answer(ctx context.Context, channelID string) error { return nil }

func (f *fakePBX) Play(ctx context.Context, channelID, mediaPath, playbackID string) error {
	return nil
}

func (f *fakePBX) StopPlayback(ctx context.Context, playbackID string) error { return nil }

func (f *fakePBX) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return f.hangupErr
}

func (f *fakePBX) originated() []pbx.OriginateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pbx.OriginateParams(nil), f.originates...)
}

func (f *fakePBX) hungUp() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

type testEnv struct {
	srv      *Server
	pbx      *fakePBX
	trunks   *trunk.Store
	calls    *call.Store
	queue    *dial.Queue
	sessions *ivr.Registry
	pushReg  *push.Registry
	catalog  *catalog.Catalog
}

const testBaseURL = "http://orchestrator.test"

// newTestEnv builds a server over in-memory components and a fake PBX. The
// trunk inventory carries one verified custom trunk owned by token tok123.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	trunks := trunk.NewStore(logger)
	trunks.UpdateInventory(map[string][]trunk.Trunk{
		"tok123": {{ID: "custom_a", PhoneNumbers: []string{"15550001111"}, Verified: true}},
	})

	calls := call.NewStore(logger)
	queue := dial.NewQueueWithConfig(time.Millisecond, 50, logger)
	pushReg := push.NewRegistryWithCloseDelay(50*time.Millisecond, logger)
	sessions := ivr.NewRegistry(logger)

	cat := catalog.New(logger)
	cat.Replace(map[string]map[string]catalog.ActionSpec{
		"otp_single": {
			catalog.StepAnswer:    {Audio: "welcome", Next: catalog.StepGather},
			catalog.StepGather:    {Audio: "enter_code", Digits: 6},
			catalog.StepConfirm:   {Audio: "checking", Timeout: 10},
			catalog.StepInvalid:   {Audio: "try_again", Digits: 6},
			catalog.StepCompleted: {Audio: "done"},
		},
		"otp_double": {
			catalog.StepAnswer:    {Audio: "welcome", Next: catalog.StepGather},
			catalog.StepGather:    {Audio: "enter_first", Digits: 6},
			catalog.StepGather1:   {Audio: "enter_second", Digits: 6, Next: "/action/confirm"},
			catalog.StepConfirm:   {Audio: "checking"},
			catalog.StepInvalid:   {Audio: "try_again", Digits: 6},
			catalog.StepCompleted: {Audio: "done"},
		},
	})

	fake := &fakePBX{}
	engine := action.NewEngine(testBaseURL, calls, cat, pushReg, logger)
	validator := action.NewValidator(testBaseURL, calls, cat, sessions, pushReg, logger)

	cfg := &config.Config{
		HTTPPort:      3000,
		ActionBaseURL: testBaseURL,
		CORSOrigins:   "*",
		LogLevel:      "info",
		LogFormat:     "text",
	}

	srv := NewServer(Deps{
		Ctx:       context.Background(),
		Cfg:       cfg,
		Logger:    logger,
		Trunks:    trunks,
		TrunkMgmt: trunk.NewManager(logger),
		Calls:     calls,
		Queue:     queue,
		Push:      pushReg,
		Sessions:  sessions,
		Engine:    engine,
		Validator: validator,
		Catalog:   cat,
		PBX:       fake,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# scrape"))
		}),
	})

	t.Cleanup(func() {
		sessions.DestroyAll()
		queue.Stop()
		pushReg.Shutdown()
		trunks.Close()
		srv.Close()
	})

	return &testEnv{
		srv:      srv,
		pbx:      fake,
		trunks:   trunks,
		calls:    calls,
		queue:    queue,
		sessions: sessions,
		pushReg:  pushReg,
		catalog:  cat,
	}
}

// doJSON performs one request against the router, JSON-encoding body when
// present.
func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]string
	decodeBody(t, rr, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestMetricsRouteMounted(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "# scrape") {
		t.Errorf("body = %q, want metrics handler output", rr.Body.String())
	}
}

func TestAssignTrunk(t *testing.T) {
	env := newTestEnv(t)

	// Dashed token must resolve to the bare inventory key.
	rr := doJSON(t, env.srv, http.MethodPost, "/api/trunks/assign",
		assignTrunkRequest{UserToken: "tok-123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}

	var resp assignTrunkResponse
	decodeBody(t, rr, &resp)
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.AssignmentUUID == "" {
		t.Error("expected non-empty assignment uuid")
	}
	if resp.TrunkName != "custom_a" {
		t.Errorf("trunk_name = %q, want custom_a", resp.TrunkName)
	}

	if got := env.trunks.LiveAssignments(); got != 1 {
		t.Errorf("live assignments = %d, want 1", got)
	}
}

func TestAssignTrunk_MissingToken(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/trunks/assign", assignTrunkRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAssignTrunk_NoTrunkAvailable(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/trunks/assign",
		assignTrunkRequest{UserToken: "nobody"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestReleaseTrunk(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.trunks.Assign("tok123")
	if err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	rr := doJSON(t, env.srv, http.MethodPost, "/api/trunks/release",
		releaseTrunkRequest{AssignmentUUID: a.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	// The slot is gone; releasing again reports not found.
	rr = doJSON(t, env.srv, http.MethodPost, "/api/trunks/release",
		releaseTrunkRequest{AssignmentUUID: a.ID})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second release status = %d, want 404", rr.Code)
	}
}

func TestReleaseTrunk_MissingUUID(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/trunks/release", releaseTrunkRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestListTrunks(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/trunk/list", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp trunkListResponse
	decodeBody(t, rr, &resp)
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.Stats.Trunks != 1 {
		t.Errorf("trunks = %d, want 1", resp.Stats.Trunks)
	}
	if resp.Stats.Users != 1 {
		t.Errorf("users = %d, want 1", resp.Stats.Users)
	}
}

func TestAddTrunk_MissingIPServer(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/trunk/add",
		addTrunkRequest{SipUsername: "u", SipPassword: "p"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDeleteTrunk_MissingIPServer(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodDelete, "/trunk/delete/custom_a", deleteTrunkRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRelayUpstream_ContentType(t *testing.T) {
	rr := httptest.NewRecorder()
	relayUpstream(rr, trunk.MgmtResponse{
		Status:      http.StatusConflict,
		ContentType: "application/json; charset=utf-8",
		Body:        []byte(`{"success":false,"error":"trunk exists"}`),
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content-type = %q, want the upstream value", ct)
	}
	if rr.Body.String() != `{"success":false,"error":"trunk exists"}` {
		t.Errorf("body = %q, want the upstream body", rr.Body.String())
	}

	// Agents that omit the header still get a usable default.
	rr = httptest.NewRecorder()
	relayUpstream(rr, trunk.MgmtResponse{Status: http.StatusOK, Body: []byte(`{"success":true}`)})
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
}

func TestCreateCall(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.trunks.Assign("tok123")
	if err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/create", createCallRequest{
		PhoneNumber:    "15551234567",
		Campaign:       "otp_single",
		AssignmentUUID: a.ID,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}

	var resp createCallResponse
	decodeBody(t, rr, &resp)
	if !resp.Success || resp.CallID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The origination was issued before the response returned.
	origs := env.pbx.originated()
	if len(origs) != 1 {
		t.Fatalf("originations = %d, want 1", len(origs))
	}
	if origs[0].Endpoint != "PJSIP/15551234567@custom_a" {
		t.Errorf("endpoint = %q, want PJSIP/15551234567@custom_a", origs[0].Endpoint)
	}
	if origs[0].CallerID != "15550001111" {
		t.Errorf("caller id = %q, want 15550001111", origs[0].CallerID)
	}
	if origs[0].ChannelID != resp.CallID {
		t.Errorf("channel id = %q, want call id %q", origs[0].ChannelID, resp.CallID)
	}

	// Call record and session exist under the same id.
	data, ok := env.calls.Get(resp.CallID)
	if !ok {
		t.Fatal("expected call record")
	}
	if data.Campaign != "otp_single" {
		t.Errorf("campaign = %q, want otp_single", data.Campaign)
	}
	if _, ok := env.sessions.Get(resp.CallID); !ok {
		t.Error("expected registered session")
	}
}

func TestCreateCall_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/create",
		createCallRequest{PhoneNumber: "15551234567"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateCall_UnknownAssignment(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/create", createCallRequest{
		PhoneNumber:    "15551234567",
		Campaign:       "otp_single",
		AssignmentUUID: "missing",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestCreateCall_UnknownCampaign(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.trunks.Assign("tok123")
	if err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/create", createCallRequest{
		PhoneNumber:    "15551234567",
		Campaign:       "missing",
		AssignmentUUID: a.ID,
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestCreateCall_OriginateFailure(t *testing.T) {
	env := newTestEnv(t)
	env.pbx.originateErr = errors.New("pbx down")

	a, err := env.trunks.Assign("tok123")
	if err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/create", createCallRequest{
		PhoneNumber:    "15551234567",
		Campaign:       "otp_single",
		AssignmentUUID: a.ID,
	})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}

	// Record and session are reaped. Session teardown is asynchronous.
	if got := env.calls.Len(); got != 0 {
		t.Errorf("call records = %d, want 0", got)
	}
	waitFor(t, time.Second, func() bool { return env.sessions.Len() == 0 },
		"session not removed after failed origination")

	// The assignment keeps its slot; only the TTL releases it.
	if got := env.trunks.LiveAssignments(); got != 1 {
		t.Errorf("live assignments = %d, want 1", got)
	}
}

func TestCreateCall_ClientGivesUpWhileQueued(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.pbx.originateGate = gate

	a, err := env.trunks.Assign("tok123")
	if err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	// The first call holds the trunk's origination lane, blocked inside
	// the PBX client.
	var firstRR *httptest.ResponseRecorder
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		firstRR = doJSON(t, env.srv, http.MethodPost, "/api/calls/create", createCallRequest{
			PhoneNumber:    "15551234567",
			Campaign:       "otp_single",
			AssignmentUUID: a.ID,
		})
	}()
	waitFor(t, time.Second, func() bool { return env.queue.Depths()["custom_a"] == 1 },
		"first origination never queued")

	// The second call queues behind it and its client disconnects while
	// waiting.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body, err := json.Marshal(createCallRequest{
		PhoneNumber:    "15559876543",
		Campaign:       "otp_single",
		AssignmentUUID: a.ID,
	})
	if err != nil {
		t.Fatalf("marshalling request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/calls/create", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		env.srv.ServeHTTP(rr, req)
	}()
	waitFor(t, time.Second, func() bool { return env.queue.Depths()["custom_a"] == 2 },
		"second origination never queued")
	cancel()
	<-secondDone

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}

	// The abandoned call's bookkeeping is reaped right away.
	if got := env.calls.Len(); got != 1 {
		t.Errorf("call records = %d, want only the first call's", got)
	}
	waitFor(t, time.Second, func() bool { return env.sessions.Len() == 1 },
		"abandoned call's session not removed")

	// Unblock the first originate and leave the withdrawn job room to fire
	// if it were still queued.
	close(gate)
	<-firstDone
	if firstRR.Code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200 (body %s)", firstRR.Code, firstRR.Body.String())
	}
	time.Sleep(50 * time.Millisecond)

	origs := env.pbx.originated()
	if len(origs) != 1 {
		t.Fatalf("originations = %d, want only the first call's", len(origs))
	}
	if origs[0].Endpoint != "PJSIP/15551234567@custom_a" {
		t.Errorf("endpoint = %q, want the first call's", origs[0].Endpoint)
	}
}

func TestDestroyCall_LiveSession(t *testing.T) {
	env := newTestEnv(t)

	sess := ivr.NewSession(context.Background(), "chan-1", testBaseURL+"/action/answer",
		env.pbx, ivr.Hooks{OnDestroy: func() { env.sessions.Remove("chan-1") }},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.sessions.Register(sess)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/chan-1/destroy", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	waitFor(t, time.Second, func() bool { return env.sessions.Len() == 0 },
		"session not removed after destroy")
	waitFor(t, time.Second, func() bool { return len(env.pbx.hungUp()) == 1 },
		"expected hangup on destroy")
}

func TestDestroyCall_NoSessionChannelGone(t *testing.T) {
	env := newTestEnv(t)
	env.pbx.hangupErr = pbx.ErrNotFound

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/ghost/destroy", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestDestroyCall_NoSessionChannelLive(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/api/calls/orphan/destroy", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := env.pbx.hungUp(); len(got) != 1 || got[0] != "orphan" {
		t.Errorf("hangups = %v, want [orphan]", got)
	}
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/api/calls/queue/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp queueStatsResponse
	decodeBody(t, rr, &resp)
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.Pending != 0 {
		t.Errorf("pending = %d, want 0", resp.Pending)
	}
}

func TestActionEndpoint_KnownStep(t *testing.T) {
	env := newTestEnv(t)
	env.calls.Save("call-1", "created", "otp_single")

	rr := doJSON(t, env.srv, http.MethodGet, "/action/answer?uuid=call-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content-type = %q, want application/xml", ct)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "<Response>") {
		t.Errorf("body = %q, want a Response document", body)
	}
	if !strings.Contains(body, "custom/otp_single/answer") {
		t.Errorf("body = %q, want the campaign answer prompt", body)
	}
	if strings.Contains(body, "<Hangup") {
		t.Errorf("body = %q, want no hangup for a known step", body)
	}
}

func TestActionEndpoint_UnknownStepStill200(t *testing.T) {
	env := newTestEnv(t)
	env.calls.Save("call-1", "created", "otp_single")

	rr := doJSON(t, env.srv, http.MethodGet, "/action/bogus?uuid=call-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("body = %q, want hangup script", rr.Body.String())
	}
}

func TestActionEndpoint_UnknownCallStill200(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/action/answer?uuid=nope", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("body = %q, want hangup script", rr.Body.String())
	}
}

func TestDebugCampaigns(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/action/debug/campaigns", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp debugCampaignsResponse
	decodeBody(t, rr, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if _, ok := resp.Campaigns["otp_double"]; !ok {
		t.Error("expected otp_double in campaign dump")
	}
}

func TestDebugCampaigns_Filtered(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/action/debug/campaigns?campaign=otp_single", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp debugCampaignsResponse
	decodeBody(t, rr, &resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
	if _, ok := resp.Campaigns["otp_single"]; !ok {
		t.Error("expected otp_single in filtered dump")
	}
	if _, ok := resp.Campaigns["otp_double"]; ok {
		t.Error("otp_double should be filtered out")
	}

	rr = doJSON(t, env.srv, http.MethodGet, "/action/debug/campaigns?campaign=nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown campaign status = %d, want 404", rr.Code)
	}
}

func TestDebugReload_NoCatalogURL(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodPost, "/action/debug/reload", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestValidateOtp_AdvancesGatherStage(t *testing.T) {
	env := newTestEnv(t)
	env.calls.Save("call-2", "created", "otp_double")

	body := map[string]bool{"isValid": true}
	rr := doJSON(t, env.srv, http.MethodPost, "/otp/validate/call-2", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}

	data, ok := env.calls.Get("call-2")
	if !ok {
		t.Fatal("expected call record")
	}
	if data.GatherStage != call.GatherStageSecond {
		t.Errorf("gather stage = %q, want %q", data.GatherStage, call.GatherStageSecond)
	}
}

func TestValidateOtp_UnknownCall(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]bool{"isValid": false}
	rr := doJSON(t, env.srv, http.MethodPost, "/otp/validate/missing", body)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestValidateOtp_MissingVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.calls.Save("call-3", "created", "otp_single")

	rr := doJSON(t, env.srv, http.MethodPost, "/otp/validate/call-3", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestPushSocket_PlainGETRejected(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.srv, http.MethodGet, "/?callId=call-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for non-upgrade request", rr.Code)
	}
}
