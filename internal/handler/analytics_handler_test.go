package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/handler"
	"github.com/noah-isme/gema-exam-engine/internal/service"
)

type stubAnalyticsService struct {
	lastExamID uint
	lastUserID uint
	err        error
}

func (s *stubAnalyticsService) GetExamAnalytics(_ context.Context, examID uint) (dto.ExamAnalyticsResponse, error) {
	s.lastExamID = examID
	if s.err != nil {
		return dto.ExamAnalyticsResponse{}, s.err
	}
	return dto.ExamAnalyticsResponse{
		ExamID:      examID,
		Respondents: 4,
		PassRate:    75,
		Questions: []dto.QuestionAnalytics{{
			ExamQuestionID:      1,
			Ordinal:             1,
			Type:                "MCQ",
			DifficultyIndex:     0.25,
			DiscriminationIndex: 0.1,
			SampleSize:          4,
			Flagged:             true,
			FlagReason:          "too hard; poor discrimination",
		}},
	}, nil
}

func (s *stubAnalyticsService) GetIntegrityReport(_ context.Context, examID, userID uint) (dto.IntegrityReportResponse, error) {
	s.lastExamID = examID
	s.lastUserID = userID
	if s.err != nil {
		return dto.IntegrityReportResponse{}, s.err
	}
	return dto.IntegrityReportResponse{ExamID: examID, UserID: userID, IntegrityScore: 78}, nil
}

func newAnalyticsApp(svc service.AnalyticsService) *fiber.App {
	app := fiber.New()
	handler.NewAnalyticsHandler(svc, zerolog.Nop()).Register(app.Group("/analytics"))
	return app
}

func TestAnalyticsHandler_ExamAnalytics(t *testing.T) {
	svc := &stubAnalyticsService{}
	status, body := doRequest(t, newAnalyticsApp(svc), httptest.NewRequest(http.MethodGet, "/analytics/exams/2", nil))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, uint(2), svc.lastExamID)

	var analytics dto.ExamAnalyticsResponse
	require.NoError(t, json.Unmarshal(body.Data, &analytics))
	require.Len(t, analytics.Questions, 1)
	require.True(t, analytics.Questions[0].Flagged)
}

func TestAnalyticsHandler_IntegrityReport(t *testing.T) {
	svc := &stubAnalyticsService{}
	app := newAnalyticsApp(svc)

	status, body := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/analytics/exams/2/integrity/11", nil))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, uint(11), svc.lastUserID)

	var report dto.IntegrityReportResponse
	require.NoError(t, json.Unmarshal(body.Data, &report))
	require.InDelta(t, 78.0, report.IntegrityScore, 1e-9)

	status, _ = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/analytics/exams/2/integrity/zero", nil))
	require.Equal(t, fiber.StatusBadRequest, status)

	svc.err = service.ErrNotFound
	status, _ = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/analytics/exams/2/integrity/12", nil))
	require.Equal(t, fiber.StatusNotFound, status)
}
