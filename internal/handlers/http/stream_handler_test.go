package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/internal/infrastructure/monitoring"
	"rillcast/internal/infrastructure/repositories/memory"
	"rillcast/internal/infrastructure/streaming"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) StartOrReplace(ctx context.Context, roomID domain.RoomID, refs []domain.TrackRef) (string, error) {
	args := m.Called(ctx, roomID, refs)
	return args.String(0), args.Error(1)
}

func (m *MockController) Stop(ctx context.Context, roomID domain.RoomID) error {
	return m.Called(ctx, roomID).Error(0)
}

func (m *MockController) Status(roomID domain.RoomID) bool {
	return m.Called(roomID).Bool(0)
}

func (m *MockController) PlaybackURL(roomID domain.RoomID) string {
	return "/hls/" + string(roomID) + "/stream.m3u8"
}

func (m *MockController) Refresh(ctx context.Context, roomID domain.RoomID) error {
	return m.Called(ctx, roomID).Error(0)
}

func (m *MockController) Sessions() []domain.SessionRecord {
	return m.Called().Get(0).([]domain.SessionRecord)
}

type MockPublishers struct {
	mock.Mock
}

func (m *MockPublishers) HandlePublisherOffer(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	args := m.Called(ctx, roomID, participantID, offer)
	return args.Get(0).(webrtc.SessionDescription), args.Error(1)
}

func (m *MockPublishers) RemoveParticipant(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) error {
	return m.Called(ctx, roomID, participantID).Error(0)
}

type fakeRouter struct {
	roomID domain.RoomID
	tracks []domain.Track
}

func (r *fakeRouter) RoomID() domain.RoomID                    { return r.roomID }
func (r *fakeRouter) Capabilities() domain.RTPCapabilities     { return domain.RTPCapabilities{} }
func (r *fakeRouter) Tracks() []domain.Track                   { return r.tracks }
func (r *fakeRouter) Track(domain.TrackID) (domain.Track, bool) { return domain.Track{}, false }
func (r *fakeRouter) CreateRelayTransport(context.Context, string) (ports.RelayTransport, error) {
	return nil, fmt.Errorf("not supported")
}

type fakeRouters map[domain.RoomID]*fakeRouter

func (f fakeRouters) Router(roomID domain.RoomID) (ports.Router, error) {
	r, ok := f[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrRoomNotFound)
	}
	return r, nil
}

type fakePlaylists map[domain.RoomID]streaming.PlaylistStatus

func (f fakePlaylists) Status(roomID domain.RoomID) (streaming.PlaylistStatus, bool) {
	s, ok := f[roomID]
	return s, ok
}

type handlerFixture struct {
	controller *MockController
	publishers *MockPublishers
	handler    *StreamHandler
	router     *gin.Engine
}

func newFixture(t *testing.T) *handlerFixture {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	f := &handlerFixture{
		controller: &MockController{},
		publishers: &MockPublishers{},
	}
	routers := fakeRouters{"room-1": {roomID: "room-1", tracks: []domain.Track{{ID: "v1", Kind: domain.TrackKindVideo}}}}
	f.handler = NewStreamHandler(f.controller, f.publishers, routers, logger)

	f.router = gin.New()
	f.router.Use(middleware.ErrorHandlerMiddleware(logger))
	f.handler.SetupRoutes(f.router, nil, nil)
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStartStream_AllTracksWhenBodyEmpty(t *testing.T) {
	f := newFixture(t)
	f.controller.On("StartOrReplace", mock.Anything, domain.RoomID("room-1"), []domain.TrackRef{}).
		Return("/hls/room-1/stream.m3u8", nil)
	f.controller.On("Sessions").Return([]domain.SessionRecord{{RoomID: "room-1", SessionID: "s1", State: domain.SessionRunning}})

	w := f.do(http.MethodPost, "/api/v1/rooms/room-1/stream", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "/hls/room-1/stream.m3u8", body["playback_url"])
	assert.Equal(t, "s1", body["session"].(map[string]interface{})["session_id"])
	f.controller.AssertExpectations(t)
}

func TestStartStream_SelectedTracks(t *testing.T) {
	f := newFixture(t)
	refs := []domain.TrackRef{domain.TrackRefByID("v1"), domain.TrackRefByID("a1")}
	f.controller.On("StartOrReplace", mock.Anything, domain.RoomID("room-1"), refs).Return("/hls/room-1/stream.m3u8", nil)
	f.controller.On("Sessions").Return([]domain.SessionRecord{})

	w := f.do(http.MethodPost, "/api/v1/rooms/room-1/stream", `{"track_ids":["v1","a1"]}`)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	f.controller.AssertExpectations(t)
}

func TestStartStream_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"invalid room id", "/api/v1/rooms/bad%20room/stream", "", nil, http.StatusBadRequest},
		{"invalid track id", "/api/v1/rooms/room-1/stream", `{"track_ids":["bad track"]}`, nil, http.StatusBadRequest},
		{"malformed body", "/api/v1/rooms/room-1/stream", `{"track_ids":`, nil, http.StatusBadRequest},
		{"no eligible tracks", "/api/v1/rooms/room-1/stream", "", fmt.Errorf("plan: %w", domain.ErrNoEligibleTracks), http.StatusUnprocessableEntity},
		{"ports exhausted", "/api/v1/rooms/room-1/stream", "", domain.ErrNoPortsAvailable, http.StatusServiceUnavailable},
		{"relay wiring", "/api/v1/rooms/room-1/stream", "", domain.ErrRelayWireFailure, http.StatusBadGateway},
		{"unknown room", "/api/v1/rooms/room-1/stream", "", domain.ErrRoomNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.err != nil {
				f.controller.On("StartOrReplace", mock.Anything, domain.RoomID("room-1"), mock.Anything).Return("", tt.err)
			}

			w := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.err == nil {
				f.controller.AssertNotCalled(t, "StartOrReplace", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestStopStream(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Stop", mock.Anything, domain.RoomID("room-1")).Return(nil)

	w := f.do(http.MethodDelete, "/api/v1/rooms/room-1/stream", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	f.controller.AssertExpectations(t)
}

func TestGetStream_Active(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Status", domain.RoomID("room-1")).Return(true)
	f.controller.On("Sessions").Return([]domain.SessionRecord{{RoomID: "room-1", SessionID: "s1", State: domain.SessionRunning}})
	f.handler.SetPlaylistStatus(fakePlaylists{"room-1": {SessionID: "s1", Ready: true, Segments: 3}})

	w := f.do(http.MethodGet, "/api/v1/rooms/room-1/stream", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["streaming"])
	assert.Equal(t, "/hls/room-1/stream.m3u8", body["playback_url"])
	assert.Equal(t, true, body["playlist"].(map[string]interface{})["ready"])
}

func TestGetStream_EndedSessionFromRepository(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Status", domain.RoomID("room-1")).Return(false)
	f.controller.On("Sessions").Return([]domain.SessionRecord{})

	repo := memory.NewMemorySessionRepository()
	require.NoError(t, repo.Save(context.Background(), &domain.SessionRecord{
		RoomID:     "room-1",
		SessionID:  "s0",
		State:      domain.SessionExited,
		ExitReason: "stopped",
	}))
	f.handler.SetSessionRepository(repo)

	w := f.do(http.MethodGet, "/api/v1/rooms/room-1/stream", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, false, body["streaming"])
	session := body["session"].(map[string]interface{})
	assert.Equal(t, "exited", session["state"])
	assert.Equal(t, "stopped", session["exit_reason"])
}

func TestGetPlayback_IdleRoom(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Status", domain.RoomID("idle")).Return(false)

	w := f.do(http.MethodGet, "/api/v1/rooms/idle/playback", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "/hls/idle/stream.m3u8", body["playback_url"])
	assert.Equal(t, false, body["ready"])
}

func TestListStreams(t *testing.T) {
	f := newFixture(t)
	f.controller.On("Sessions").Return([]domain.SessionRecord{{RoomID: "a"}, {RoomID: "b"}})

	w := f.do(http.MethodGet, "/api/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])
}

func TestListTracks(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/rooms/room-1/tracks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["tracks"], 1)

	w = f.do(http.MethodGet, "/api/v1/rooms/nobody/tracks", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer\r\n"}
	f.publishers.On("HandlePublisherOffer", mock.Anything, domain.RoomID("room-1"), domain.ParticipantID("cam-1"), offer).Return(answer, nil)

	w := f.do(http.MethodPost, "/api/v1/rooms/room-1/publish", `{"participant_id":"cam-1","offer":{"type":"offer","sdp":"v=0\r\n"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode(t, w)["answer"].(map[string]interface{})
	assert.Equal(t, "answer", got["type"])
	f.publishers.AssertExpectations(t)
}

func TestPublish_RejectsAnswer(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/rooms/room-1/publish", `{"participant_id":"cam-1","offer":{"type":"answer","sdp":"v=0\r\n"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.publishers.AssertNotCalled(t, "HandlePublisherOffer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRemoveParticipant(t *testing.T) {
	f := newFixture(t)
	f.publishers.On("RemoveParticipant", mock.Anything, domain.RoomID("room-1"), domain.ParticipantID("cam-1")).Return(nil)

	w := f.do(http.MethodDelete, "/api/v1/rooms/room-1/participants/cam-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	f.publishers.AssertExpectations(t)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := monitoring.NewHealthChecker()
	healthy := true
	checker.AddCheck("transcoder", func(context.Context) (bool, error) { return healthy, nil }, 0, 0)

	router := gin.New()
	NewHealthHandler(checker).SetupRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "check failed")
}
