package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/models"
)

func startRequest(enrollmentID uint) dto.StartSessionRequest {
	return dto.StartSessionRequest{EnrollmentID: enrollmentID}
}

func answer(questionID uint, content string) dto.SubmitAnswerRequest {
	return dto.SubmitAnswerRequest{ExamQuestionID: questionID, Content: content}
}

func tabSwitch() dto.ViolationRequest {
	return dto.ViolationRequest{Type: models.ViolationTabSwitch}
}

func TestStartSessionDeliversFirstQuestion(t *testing.T) {
	h := newSessionHarness(t)

	resp, err := h.svc.StartSession(context.Background(), h.student, startRequest(h.enroll.ID))
	require.NoError(t, err)
	require.Equal(t, dto.SessionStateInProgress, resp.Session.State)
	require.Equal(t, int64(3600), resp.Session.RemainingSeconds)
	require.Equal(t, t0.Add(time.Hour), resp.Session.ServerDeadline)
	require.Equal(t, 3, resp.Session.TotalQuestions)
	require.NotNil(t, resp.Question)
	require.Equal(t, h.pool[0].ID, resp.Question.ExamQuestionID)
	require.Len(t, resp.Question.Options, 3)

	var enrollment models.Enrollment
	require.NoError(t, h.db.First(&enrollment, h.enroll.ID).Error)
	require.Equal(t, models.EnrollmentStatusInProgress, enrollment.Status)

	var exam models.Exam
	require.NoError(t, h.db.First(&exam, h.exam.ID).Error)
	require.Equal(t, models.ExamStatusInProgress, exam.Status)

	_, err = h.svc.StartSession(context.Background(), h.student, startRequest(h.enroll.ID))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestStartSessionAppliesAccommodations(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.db.Model(&models.Enrollment{}).Where("id = ?", h.enroll.ID).
		Updates(map[string]interface{}{"duration_multiplier": 1.5, "extra_time_minutes": 10}).Error)

	resp, err := h.svc.StartSession(context.Background(), h.student, startRequest(h.enroll.ID))
	require.NoError(t, err)
	require.Equal(t, int64(100*60), resp.Session.RemainingSeconds)
}

func TestStartSessionRejectsForeignEnrollment(t *testing.T) {
	h := newSessionHarness(t)

	_, err := h.svc.StartSession(context.Background(), ActivityActor{ID: 99, Role: "candidate"}, startRequest(h.enroll.ID))
	require.ErrorIs(t, err, ErrForbidden)
}

func TestStartSessionOutsideWindow(t *testing.T) {
	h := newSessionHarness(t)
	h.clock.Advance(6 * time.Hour)

	_, err := h.svc.StartSession(context.Background(), h.student, startRequest(h.enroll.ID))
	require.ErrorIs(t, err, ErrWindowClosed)
}

func TestSubmitAnswerTracksAccuracyAndCompletion(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	h.clock.Advance(40 * time.Second)
	first, err := h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[0].ID, "a"))
	require.NoError(t, err)
	require.False(t, first.Completed)
	require.NotNil(t, first.NextQuestion)
	require.Equal(t, h.pool[1].ID, first.NextQuestion.ExamQuestionID)

	h.clock.Advance(20 * time.Second)
	_, err = h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[1].ID, "a"))
	require.NoError(t, err)

	last, err := h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[2].ID, "c"))
	require.NoError(t, err)
	require.True(t, last.Completed)
	require.Nil(t, last.NextQuestion)
	require.Equal(t, 3, last.Session.QuestionsAnswered)

	session := h.reload(t, id)
	require.Equal(t, 2, session.CorrectAnswers)
	require.InDelta(t, 2.0/3.0, session.RunningAccuracy, 1e-9)
	require.Nil(t, session.FinishedAt, "answering everything does not finish the session")

	var answers []models.CandidateAnswer
	require.NoError(t, h.db.Order("id").Find(&answers).Error)
	require.Len(t, answers, 3)
	require.Equal(t, int64(40), answers[0].TimeTakenSeconds)
	require.Equal(t, int64(20), answers[1].TimeTakenSeconds)
	require.True(t, answers[0].IsGraded)
	require.InDelta(t, 2.0, answers[0].Score(), 1e-9)
	require.InDelta(t, 0.0, answers[1].Score(), 1e-9)
}

func TestSubmitAnswerRejectsDuplicate(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	_, err := h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[0].ID, "a"))
	require.NoError(t, err)

	_, err = h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[0].ID, "b"))
	require.ErrorIs(t, err, ErrDuplicateAnswer)

	var count int64
	require.NoError(t, h.db.Model(&models.CandidateAnswer{}).Where("session_id = ?", id).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSubmitAnswerConcurrentSameQuestionPersistsOnce(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	const attempts = 6
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[0].ID, "a"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateAnswer):
				duplicates++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, attempts-1, duplicates)
	require.Equal(t, 1, h.reload(t, id).QuestionsAnswered)
}

func TestSubmitAnswerUnknownQuestion(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	_, err := h.svc.SubmitAnswer(context.Background(), id, h.student, answer(9999, "a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReportViolationLocksOnThirdTabSwitch(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		resp, err := h.svc.ReportViolation(ctx, id, h.student, tabSwitch())
		require.NoError(t, err)
		require.False(t, resp.Locked)
		require.Equal(t, i, resp.TabSwitchCount)
		require.Equal(t, 3-i, resp.RemainingAllowance)
	}

	third, err := h.svc.ReportViolation(ctx, id, h.student, tabSwitch())
	require.NoError(t, err)
	require.True(t, third.Locked)
	require.Equal(t, 3, third.TabSwitchCount)
	require.Equal(t, 0, third.RemainingAllowance)
	require.Equal(t, dto.SessionStateLocked, third.Session.State)
	require.True(t, third.Session.WaitingForProctor)

	fourth, err := h.svc.ReportViolation(ctx, id, h.student, tabSwitch())
	require.NoError(t, err)
	require.True(t, fourth.Locked)
	require.Equal(t, 3, fourth.TabSwitchCount)

	var flags []models.ProctorFlag
	require.NoError(t, h.db.Where("session_id = ?", id).Find(&flags).Error)
	require.Len(t, flags, 1)
	require.Equal(t, models.FlagExcessiveTabSwitches, flags[0].Type)
	require.Equal(t, models.FlagStatusPending, flags[0].Status)

	var logs int64
	require.NoError(t, h.db.Model(&models.ViolationLog{}).Where("session_id = ?", id).Count(&logs).Error)
	require.Equal(t, int64(4), logs)

	_, err = h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.ErrorIs(t, err, ErrLocked)
}

func TestReportViolationResizeDoesNotCount(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	resp, err := h.svc.ReportViolation(context.Background(), id, h.student, dto.ViolationRequest{
		Type:     models.ViolationBrowserResize,
		Metadata: map[string]interface{}{"width": 800, "note": "<script>x</script>resized"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, resp.TabSwitchCount)

	var log models.ViolationLog
	require.NoError(t, h.db.Where("session_id = ?", id).First(&log).Error)
	require.Equal(t, "resized", log.Metadata["note"])
}

func lockSession(t *testing.T, h *sessionHarness, id uint) {
	t.Helper()
	for i := 0; i < 3; i++ {
		_, err := h.svc.ReportViolation(context.Background(), id, h.student, tabSwitch())
		require.NoError(t, err)
	}
}

func TestProctorUnlockCompensatesBeyondGrace(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	lockSession(t, h, id)

	h.clock.Advance(8 * time.Minute)
	resp, err := h.svc.ProctorUnlock(context.Background(), id, h.proctor, dto.ProctorActionRequest{Notes: "checked"})
	require.NoError(t, err)
	require.False(t, resp.IsLocked)
	require.Equal(t, dto.SessionStateInProgress, resp.State)
	require.Equal(t, int64(52*60+180), resp.RemainingSeconds)

	session := h.reload(t, id)
	require.Equal(t, int64(180), session.TotalPausedSeconds)
	require.NotNil(t, session.ProctorUnlockedAt)

	var entries []models.ActivityLog
	require.NoError(t, h.db.Where("action = ?", ActionSessionUnlocked).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, uint(900), entries[0].ActorID)
}

func TestProctorUnlockWithinGraceAddsNothing(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	lockSession(t, h, id)

	h.clock.Advance(3 * time.Minute)
	_, err := h.svc.ProctorUnlock(context.Background(), id, h.proctor, dto.ProctorActionRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(0), h.reload(t, id).TotalPausedSeconds)
}

func TestProctorUnlockRequiresLockedSession(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	_, err := h.svc.ProctorUnlock(context.Background(), id, h.proctor, dto.ProctorActionRequest{})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestLockedSessionDoesNotExpireWhileWaitingForProctor(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	lockSession(t, h, id)

	h.clock.Advance(62 * time.Minute)
	status, err := h.svc.GetStatus(context.Background(), id, h.student)
	require.NoError(t, err)
	require.Equal(t, dto.SessionStateLocked, status.State)
	require.False(t, status.ExamEnded)
	require.Equal(t, int64(-120+57*60), status.RemainingSeconds)
	require.Empty(t, h.queue.Enqueued())
}

func TestExtendTimeMovesDeadline(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	resp, err := h.svc.ExtendTime(context.Background(), id, h.proctor, dto.ExtendTimeRequest{Minutes: 10, Reason: "power cut"})
	require.NoError(t, err)
	require.Equal(t, int64(70*60), resp.RemainingSeconds)
	require.WithinDuration(t, t0.Add(70*time.Minute), h.reload(t, id).ServerDeadline, time.Second)
}

func TestPauseAndResumeCreditsPausedTime(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	ctx := context.Background()

	h.clock.Advance(10 * time.Minute)
	paused, err := h.svc.PauseSession(ctx, id, h.proctor, dto.ProctorActionRequest{})
	require.NoError(t, err)
	require.Equal(t, dto.SessionStatePaused, paused.State)
	require.True(t, paused.IsPaused)

	_, err = h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.ErrorIs(t, err, ErrLocked)

	h.clock.Advance(5 * time.Minute)
	resumed, err := h.svc.ResumeSession(ctx, id, h.proctor, dto.ProctorActionRequest{})
	require.NoError(t, err)
	require.Equal(t, dto.SessionStateInProgress, resumed.State)
	require.Equal(t, int64(50*60), resumed.RemainingSeconds)
	require.Equal(t, int64(300), h.reload(t, id).TotalPausedSeconds)

	_, err = h.svc.ResumeSession(ctx, id, h.proctor, dto.ProctorActionRequest{})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestFinishSessionIsIdempotent(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	ctx := context.Background()

	h.clock.Advance(20 * time.Minute)
	first, err := h.svc.FinishSession(ctx, id, h.student)
	require.NoError(t, err)
	require.Equal(t, dto.SessionStateCompleted, first.State)
	require.True(t, first.ExamEnded)
	require.NotNil(t, first.FinishedAt)

	h.clock.Advance(time.Minute)
	second, err := h.svc.FinishSession(ctx, id, h.student)
	require.NoError(t, err)
	require.Equal(t, first.FinishedAt.Unix(), second.FinishedAt.Unix())
	require.Equal(t, []uint{id}, h.queue.Enqueued())

	var enrollment models.Enrollment
	require.NoError(t, h.db.First(&enrollment, h.enroll.ID).Error)
	require.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)

	_, err = h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.ErrorIs(t, err, ErrInvalidState)

	resp, err := h.svc.ReportViolation(ctx, id, h.student, tabSwitch())
	require.NoError(t, err)
	require.Equal(t, 0, resp.TabSwitchCount)
}

func TestReconnectAfterDeadlineAutoFinishes(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	ctx := context.Background()

	_, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.NoError(t, err)

	h.clock.Advance(61 * time.Minute)
	resp, err := h.svc.Reconnect(ctx, id, h.student)
	require.NoError(t, err)
	require.Equal(t, dto.SessionStateCompleted, resp.Session.State)
	require.True(t, resp.Session.ExamEnded)
	require.Nil(t, resp.CurrentQuestion)
	require.Len(t, resp.Markers, 3)
	require.True(t, resp.Markers[0].Answered)

	session := h.reload(t, id)
	require.NotNil(t, session.FinishedAt)
	require.Equal(t, []uint{id}, h.queue.Enqueued())
}

func TestSubmitAnswerAfterDeadlineReturnsExpired(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)

	h.clock.Advance(60*time.Minute + time.Second)
	_, err := h.svc.SubmitAnswer(context.Background(), id, h.student, answer(h.pool[0].ID, "a"))
	require.ErrorIs(t, err, ErrExpired)

	require.NotNil(t, h.reload(t, id).FinishedAt)
	var count int64
	require.NoError(t, h.db.Model(&models.CandidateAnswer{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestReconnectRebuildsPosition(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	ctx := context.Background()

	_, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "b"))
	require.NoError(t, err)

	resp, err := h.svc.Reconnect(ctx, id, h.student)
	require.NoError(t, err)
	require.NotNil(t, resp.CurrentQuestion)
	require.Equal(t, h.pool[1].ID, resp.CurrentQuestion.ExamQuestionID)
	require.True(t, resp.Markers[1].Current)

	markers, err := h.svc.GetMarkers(ctx, id, h.student)
	require.NoError(t, err)
	require.Equal(t, 1, markers.Answered)
	require.Equal(t, 3, markers.Total)

	question, err := h.svc.GetQuestionByIndex(ctx, id, h.student, 2)
	require.NoError(t, err)
	require.Equal(t, h.pool[2].ID, question.ExamQuestionID)

	_, err = h.svc.GetQuestionByIndex(ctx, id, h.student, 3)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.GetStatus(ctx, id, ActivityActor{ID: 77, Role: "candidate"})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestSequentialNextWrapsToSkippedQuestion(t *testing.T) {
	h := newSessionHarness(t)
	id := h.start(t)
	ctx := context.Background()

	_, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[1].ID, "b"))
	require.NoError(t, err)
	resp, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[2].ID, "c"))
	require.NoError(t, err)
	require.NotNil(t, resp.NextQuestion)
	require.Equal(t, h.pool[0].ID, resp.NextQuestion.ExamQuestionID)
}

func withDifficulty(version models.QuestionVersion, difficulty int) models.QuestionVersion {
	version.Difficulty = difficulty
	return version
}

func newAdaptiveHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := newSessionHarness(t,
		withDifficulty(mcqVersion("a"), 2),
		withDifficulty(mcqVersion("a"), 4),
		withDifficulty(mcqVersion("a"), 6),
		withDifficulty(mcqVersion("a"), 8),
	)
	require.NoError(t, h.db.Model(&models.Exam{}).Where("id = ?", h.exam.ID).Update("is_adaptive", true).Error)
	return h
}

func TestAdaptiveSessionServesEachQuestionOnce(t *testing.T) {
	h := newAdaptiveHarness(t)
	ctx := context.Background()

	started, err := h.svc.StartSession(ctx, h.student, startRequest(h.enroll.ID))
	require.NoError(t, err)
	require.NotNil(t, started.Question)
	require.Equal(t, h.pool[1].ID, started.Question.ExamQuestionID, "starts at the median difficulty")
	id := started.Session.ID

	served := []uint{started.Question.ExamQuestionID}
	next := func(questionID uint, content string) *dto.DeliveredQuestion {
		resp, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(questionID, content))
		require.NoError(t, err)
		if resp.NextQuestion != nil {
			served = append(served, resp.NextQuestion.ExamQuestionID)
		}
		return resp.NextQuestion
	}

	require.Equal(t, h.pool[2].ID, next(h.pool[1].ID, "a").ExamQuestionID)
	require.Equal(t, h.pool[3].ID, next(h.pool[2].ID, "a").ExamQuestionID)
	require.Equal(t, h.pool[0].ID, next(h.pool[3].ID, "b").ExamQuestionID)

	last, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.NoError(t, err)
	require.True(t, last.Completed)
	require.Nil(t, last.NextQuestion)

	require.Equal(t, []uint{h.pool[1].ID, h.pool[2].ID, h.pool[3].ID, h.pool[0].ID}, served)

	var stored models.ExamSession
	require.NoError(t, h.db.First(&stored, id).Error)
	var state struct {
		QuestionsServed []uint `json:"questions_served"`
	}
	require.NoError(t, json.Unmarshal(stored.AdaptiveState, &state))
	require.Equal(t, served, state.QuestionsServed)
	require.Equal(t, 3, stored.CorrectAnswers)
}

func TestAdaptiveSessionRejectsUndeliveredQuestion(t *testing.T) {
	h := newAdaptiveHarness(t)
	id := h.start(t)
	ctx := context.Background()

	_, err := h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[0].ID, "a"))
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[3].ID, "a"))
	require.ErrorIs(t, err, ErrInvalidState)

	var count int64
	require.NoError(t, h.db.Model(&models.CandidateAnswer{}).Count(&count).Error)
	require.Zero(t, count)
	require.Zero(t, h.reload(t, id).QuestionsAnswered)
}

func TestAdaptiveReconnectFollowsServedOrder(t *testing.T) {
	h := newAdaptiveHarness(t)
	id := h.start(t)
	ctx := context.Background()

	resp, err := h.svc.Reconnect(ctx, id, h.student)
	require.NoError(t, err)
	require.NotNil(t, resp.CurrentQuestion)
	require.Equal(t, h.pool[1].ID, resp.CurrentQuestion.ExamQuestionID)
	require.Len(t, resp.Markers, 4)
	require.Equal(t, h.pool[1].ID, resp.Markers[0].ExamQuestionID)
	require.True(t, resp.Markers[0].Current)
	require.Zero(t, resp.Markers[1].ExamQuestionID, "unserved slots stay anonymous")

	_, err = h.svc.SubmitAnswer(ctx, id, h.student, answer(h.pool[1].ID, "a"))
	require.NoError(t, err)

	resp, err = h.svc.Reconnect(ctx, id, h.student)
	require.NoError(t, err)
	require.NotNil(t, resp.CurrentQuestion)
	require.Equal(t, h.pool[2].ID, resp.CurrentQuestion.ExamQuestionID)
	require.True(t, resp.Markers[0].Answered)
	require.False(t, resp.Markers[0].Current)
	require.Equal(t, h.pool[2].ID, resp.Markers[1].ExamQuestionID)
	require.True(t, resp.Markers[1].Current)

	markers, err := h.svc.GetMarkers(ctx, id, h.student)
	require.NoError(t, err)
	require.Equal(t, 1, markers.Answered)
	require.Equal(t, 4, markers.Total)

	first, err := h.svc.GetQuestionByIndex(ctx, id, h.student, 0)
	require.NoError(t, err)
	require.Equal(t, h.pool[1].ID, first.ExamQuestionID)

	second, err := h.svc.GetQuestionByIndex(ctx, id, h.student, 1)
	require.NoError(t, err)
	require.Equal(t, h.pool[2].ID, second.ExamQuestionID)

	_, err = h.svc.GetQuestionByIndex(ctx, id, h.student, 2)
	require.ErrorIs(t, err, ErrNotFound)
}
