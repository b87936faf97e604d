package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/handler"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/service"
)

type stubProctorService struct {
	lastSessionID uint
	lastFlagID    uint
	lastActor     service.ActivityActor
	lastRaise     dto.RaiseFlagRequest
	lastReview    dto.ReviewFlagRequest
	lastList      dto.ProctorFlagListRequest
	evidence      []byte
	evidenceName  string
	err           error
}

func (s *stubProctorService) RaiseFlag(_ context.Context, sessionID uint, actor service.ActivityActor, req dto.RaiseFlagRequest, evidence *dto.EvidenceUpload) (dto.ProctorFlagResponse, error) {
	s.lastSessionID = sessionID
	s.lastActor = actor
	s.lastRaise = req
	if evidence != nil {
		data, err := io.ReadAll(evidence.Reader)
		if err != nil {
			return dto.ProctorFlagResponse{}, err
		}
		s.evidence = data
		s.evidenceName = evidence.Filename
	}
	if s.err != nil {
		return dto.ProctorFlagResponse{}, s.err
	}
	return dto.ProctorFlagResponse{ID: 31, SessionID: sessionID, Type: req.Type, Severity: 2, Status: "PENDING"}, nil
}

func (s *stubProctorService) ReviewFlag(_ context.Context, flagID uint, actor service.ActivityActor, req dto.ReviewFlagRequest) (dto.ProctorFlagResponse, error) {
	s.lastFlagID = flagID
	s.lastActor = actor
	s.lastReview = req
	if s.err != nil {
		return dto.ProctorFlagResponse{}, s.err
	}
	return dto.ProctorFlagResponse{ID: flagID, Status: req.Status}, nil
}

func (s *stubProctorService) ListFlags(_ context.Context, req dto.ProctorFlagListRequest) (dto.ProctorFlagListResponse, error) {
	s.lastList = req
	if s.err != nil {
		return dto.ProctorFlagListResponse{}, s.err
	}
	return dto.ProctorFlagListResponse{
		Items:      []dto.ProctorFlagResponse{{ID: 1, Status: "ESCALATED"}},
		Pagination: dto.PaginationMeta{Page: 1, PageSize: 20, TotalItems: 1, TotalPages: 1},
	}, nil
}

func newProctorApp(sessions service.SessionService, flags service.ProctorService, publisher service.EventPublisher, role string) *fiber.App {
	app := fiber.New()
	app.Use(identity(900, role))
	group := app.Group("/proctor", middleware.RequireRole("admin", "teacher", "examiner", "proctor"))
	handler.NewProctorHandler(sessions, flags, publisher, zerolog.Nop()).Register(group)
	return app
}

func TestProctorHandler_RejectsCandidates(t *testing.T) {
	sessions := &stubSessionService{session: activeSession()}
	app := newProctorApp(sessions, &stubProctorService{}, nil, "candidate")

	status, _ := doRequest(t, app, jsonRequest(t, http.MethodPost, "/proctor/sessions/7/unlock", nil))
	require.Equal(t, fiber.StatusForbidden, status)
	require.Zero(t, sessions.lastSessionID)
}

func TestProctorHandler_UnlockAcceptsEmptyBody(t *testing.T) {
	sessions := &stubSessionService{session: activeSession()}
	app := newProctorApp(sessions, &stubProctorService{}, nil, "proctor")

	status, body := doRequest(t, app, httptest.NewRequest(http.MethodPost, "/proctor/sessions/7/unlock", nil))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "session unlocked", body.Message)
	require.Equal(t, uint(7), sessions.lastSessionID)
	require.Equal(t, service.ActivityActor{ID: 900, Role: "proctor"}, sessions.lastActor)
	require.Empty(t, sessions.lastAction.Notes)
}

func TestProctorHandler_PauseForwardsNotes(t *testing.T) {
	sessions := &stubSessionService{session: activeSession()}
	app := newProctorApp(sessions, &stubProctorService{}, nil, "examiner")

	status, _ := doRequest(t, app, jsonRequest(t, http.MethodPost, "/proctor/sessions/7/pause", map[string]string{"notes": "fire drill"}))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "fire drill", sessions.lastAction.Notes)
}

func TestProctorHandler_ExtendMapsConflicts(t *testing.T) {
	sessions := &stubSessionService{err: service.ErrInvalidState}
	app := newProctorApp(sessions, &stubProctorService{}, nil, "proctor")

	status, body := doRequest(t, app, jsonRequest(t, http.MethodPost, "/proctor/sessions/7/extend", map[string]interface{}{"minutes": 15, "reason": "power outage"}))
	require.Equal(t, fiber.StatusConflict, status)
	require.False(t, body.Success)
	require.Equal(t, 15, sessions.lastExtend.Minutes)
	require.Equal(t, "power outage", sessions.lastExtend.Reason)
}

func TestProctorHandler_RaiseFlagWithEvidence(t *testing.T) {
	flags := &stubProctorService{}
	app := newProctorApp(&stubSessionService{}, flags, nil, "proctor")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("type", "MULTIPLE_FACES"))
	require.NoError(t, writer.WriteField("description", "second face in frame"))
	part, err := writer.CreateFormFile("evidence", "frame.png")
	require.NoError(t, err)
	image := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/proctor/sessions/7/flags", &buf)
	req.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())

	status, body := doRequest(t, app, req)
	require.Equal(t, fiber.StatusCreated, status)
	require.Equal(t, "flag raised", body.Message)
	require.Equal(t, uint(7), flags.lastSessionID)
	require.Equal(t, "MULTIPLE_FACES", flags.lastRaise.Type)
	require.Equal(t, "second face in frame", flags.lastRaise.Description)
	require.Equal(t, "frame.png", flags.evidenceName)
	require.Equal(t, image, flags.evidence)
}

func TestProctorHandler_RaiseFlagEvidenceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: service.ErrEvidenceTooLarge, status: fiber.StatusRequestEntityTooLarge},
		{err: service.ErrEvidenceType, status: fiber.StatusBadRequest},
		{err: service.ErrNotFound, status: fiber.StatusNotFound},
	}

	for _, tc := range cases {
		flags := &stubProctorService{err: tc.err}
		app := newProctorApp(&stubSessionService{}, flags, nil, "proctor")

		status, _ := doRequest(t, app, jsonRequest(t, http.MethodPost, "/proctor/sessions/7/flags", map[string]string{"type": "NO_FACE"}))
		require.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestProctorHandler_ReviewAndListFlags(t *testing.T) {
	flags := &stubProctorService{}
	app := newProctorApp(&stubSessionService{}, flags, nil, "admin")

	status, body := doRequest(t, app, jsonRequest(t, http.MethodPatch, "/proctor/flags/31", map[string]string{"status": "REJECTED", "notes": "glare"}))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, uint(31), flags.lastFlagID)
	require.Equal(t, "glare", flags.lastReview.Notes)

	var reviewed dto.ProctorFlagResponse
	require.NoError(t, json.Unmarshal(body.Data, &reviewed))
	require.Equal(t, "REJECTED", reviewed.Status)

	status, _ = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/proctor/exams/2/flags?status=ESCALATED&page=2&page_size=5", nil))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, dto.ProctorFlagListRequest{ExamID: 2, Status: "ESCALATED", Page: 2, PageSize: 5}, flags.lastList)

	status, _ = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/proctor/exams/2/flags?page=abc", nil))
	require.Equal(t, fiber.StatusBadRequest, status)
}

func TestProctorHandler_MonitorRequiresUpgrade(t *testing.T) {
	app := newProctorApp(&stubSessionService{}, &stubProctorService{}, service.NewEventPublisher(nil, nil, zerolog.Nop()), "proctor")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/proctor/exams/2/monitor", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestProctorHandler_MonitorStreamsExamEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	publisher := service.NewEventPublisher(rdb, nil, zerolog.Nop())
	app := newProctorApp(&stubSessionService{}, &stubProctorService{}, publisher, "proctor")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	url := fmt.Sprintf("ws://%s/proctor/exams/2/monitor", ln.Addr().String())
	var conn *gorillaws.Conn
	require.Eventually(t, func() bool {
		c, _, dialErr := gorillaws.DefaultDialer.Dial(url, nil)
		if dialErr != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publisher.Publish(ctx, dto.SessionEvent{Type: service.EventViolation, ExamID: 3, SessionID: 99})
				publisher.Publish(ctx, dto.SessionEvent{Type: service.EventSessionLocked, ExamID: 2, SessionID: 7, UserID: 11})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event dto.SessionEvent
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, service.EventSessionLocked, event.Type)
	require.Equal(t, uint(2), event.ExamID)
	require.Equal(t, uint(7), event.SessionID)
}
