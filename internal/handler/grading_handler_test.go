package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/handler"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/service"
)

type stubGradingService struct {
	service.GradingService

	lastID       uint
	lastActor    service.ActivityActor
	lastOverride dto.OverrideScoreRequest
	err          error
}

func (s *stubGradingService) AutoGradeSession(_ context.Context, sessionID uint, actor service.ActivityActor) (dto.SessionGradeResponse, error) {
	s.lastID = sessionID
	s.lastActor = actor
	if s.err != nil {
		return dto.SessionGradeResponse{}, s.err
	}
	return dto.SessionGradeResponse{SessionID: sessionID}, nil
}

func (s *stubGradingService) OverrideScore(_ context.Context, answerID uint, actor service.ActivityActor, req dto.OverrideScoreRequest) (dto.AnswerGradeResponse, error) {
	s.lastID = answerID
	s.lastActor = actor
	s.lastOverride = req
	if s.err != nil {
		return dto.AnswerGradeResponse{}, s.err
	}
	return dto.AnswerGradeResponse{ID: answerID}, nil
}

func (s *stubGradingService) ListHistory(_ context.Context, answerID uint) ([]dto.ScoreHistoryResponse, error) {
	s.lastID = answerID
	if s.err != nil {
		return nil, s.err
	}
	previous := 0.0
	return []dto.ScoreHistoryResponse{{
		ID:            1,
		AnswerID:      answerID,
		PreviousScore: &previous,
		Score:         2,
		Reason:        "manual review",
		GradedBy:      1,
		GradedAt:      time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
	}}, nil
}

func newGradingApp(svc service.GradingService, role string) *fiber.App {
	app := fiber.New()
	app.Use(identity(1, role))
	handler.NewGradingHandler(svc, zerolog.Nop()).Register(app.Group("/grading", middleware.RequireRole("admin", "teacher", "examiner")))
	return app
}

func TestGradingHandler_AutoGradeRequiresExaminer(t *testing.T) {
	svc := &stubGradingService{}

	status, _ := doRequest(t, newGradingApp(svc, "proctor"), httptest.NewRequest(http.MethodPost, "/grading/sessions/7/auto", nil))
	require.Equal(t, fiber.StatusForbidden, status)
	require.Zero(t, svc.lastID)

	status, body := doRequest(t, newGradingApp(svc, "examiner"), httptest.NewRequest(http.MethodPost, "/grading/sessions/7/auto", nil))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "session graded", body.Message)
	require.Equal(t, uint(7), svc.lastID)
}

func TestGradingHandler_AutoGradeSandboxOutage(t *testing.T) {
	svc := &stubGradingService{err: fmt.Errorf("%w: 1 code answer(s) left ungraded", service.ErrSandboxUnavailable)}

	status, body := doRequest(t, newGradingApp(svc, "examiner"), httptest.NewRequest(http.MethodPost, "/grading/sessions/7/auto", nil))
	require.Equal(t, fiber.StatusServiceUnavailable, status)
	require.Equal(t, "UNAVAILABLE", body.Code)
	require.Contains(t, body.Message, "left ungraded")
}

func TestGradingHandler_OverrideScore(t *testing.T) {
	svc := &stubGradingService{}
	app := newGradingApp(svc, "teacher")

	status, _ := doRequest(t, app, jsonRequest(t, http.MethodPatch, "/grading/answers/41", map[string]interface{}{
		"score":  1.5,
		"reason": "partial credit",
	}))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, uint(41), svc.lastID)
	require.NotNil(t, svc.lastOverride.Score)
	require.InDelta(t, 1.5, *svc.lastOverride.Score, 1e-9)
	require.Equal(t, service.ActivityActor{ID: 1, Role: "examiner"}, svc.lastActor)

	svc.err = service.ErrValidation
	status, _ = doRequest(t, app, jsonRequest(t, http.MethodPatch, "/grading/answers/41", map[string]interface{}{"score": 9}))
	require.Equal(t, fiber.StatusBadRequest, status)

	svc.err = errors.New("deadlock detected")
	status, body := doRequest(t, app, jsonRequest(t, http.MethodPatch, "/grading/answers/41", map[string]interface{}{"score": 1}))
	require.Equal(t, fiber.StatusInternalServerError, status)
	require.Equal(t, "failed to override score", body.Message)
}

func TestGradingHandler_History(t *testing.T) {
	svc := &stubGradingService{}
	app := newGradingApp(svc, "admin")

	status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/grading/answers/41/history", nil))
	require.Equal(t, fiber.StatusOK, status)

	var history []dto.ScoreHistoryResponse
	require.NoError(t, json.Unmarshal(body.Data, &history))
	require.Len(t, history, 1)
	require.Equal(t, "manual review", history[0].Reason)

	svc.err = service.ErrNotFound
	status, _ = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/grading/answers/41/history", nil))
	require.Equal(t, fiber.StatusNotFound, status)
}
