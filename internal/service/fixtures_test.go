package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/grading"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/internal/sandbox"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingQueue struct {
	mu       sync.Mutex
	sessions []uint
}

func (q *recordingQueue) Enqueue(ctx context.Context, sessionID uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions = append(q.sessions, sessionID)
	return nil
}

func (q *recordingQueue) Enqueued() []uint {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uint(nil), q.sessions...)
}

func setupExamDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:exam_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

var questionSeq uint

func mcqVersion(correct string) models.QuestionVersion {
	questionSeq++
	version := models.QuestionVersion{
		QuestionID: questionSeq,
		Version:    1,
		Type:       models.QuestionTypeMCQ,
		Content:    fmt.Sprintf("Question %d", questionSeq),
		Difficulty: 5,
		Topic:      "arrays",
	}
	version.SetOptions([]models.QuestionOption{
		{ID: "a", Text: "Alpha", IsCorrect: correct == "a"},
		{ID: "b", Text: "Beta", IsCorrect: correct == "b"},
		{ID: "c", Text: "Gamma", IsCorrect: correct == "c"},
	})
	return version
}

func shortAnswerVersion(keywords ...string) models.QuestionVersion {
	questionSeq++
	version := models.QuestionVersion{
		QuestionID: questionSeq,
		Version:    1,
		Type:       models.QuestionTypeShortAnswer,
		Content:    "Explain garbage collection",
		Difficulty: 6,
		Topic:      "runtime",
	}
	stored := make([]models.QuestionKeyword, 0, len(keywords))
	for _, keyword := range keywords {
		stored = append(stored, models.QuestionKeyword{Keyword: keyword, Weight: 1})
	}
	version.SetKeywords(stored)
	return version
}

// seedExam stores a scheduled exam around t0 with the given questions at ordinals 1..n.
func seedExam(t *testing.T, db *gorm.DB, versions ...models.QuestionVersion) (models.Exam, []models.ExamQuestion) {
	t.Helper()

	exam := models.Exam{
		Title:              "Data Structures Midterm",
		Status:             models.ExamStatusScheduled,
		ScheduledStartTime: t0.Add(-time.Hour),
		ScheduledEndTime:   t0.Add(5 * time.Hour),
		DurationMinutes:    60,
		PassPercentage:     50,
	}
	require.NoError(t, db.Create(&exam).Error)

	questions := make([]models.ExamQuestion, 0, len(versions))
	for i := range versions {
		require.NoError(t, db.Create(&versions[i]).Error)
		question := models.ExamQuestion{
			ExamID:            exam.ID,
			QuestionVersionID: versions[i].ID,
			Ordinal:           i + 1,
			Marks:             2,
			QuestionVersion:   versions[i],
		}
		require.NoError(t, db.Omit("QuestionVersion").Create(&question).Error)
		questions = append(questions, question)
	}
	return exam, questions
}

func seedEnrollment(t *testing.T, db *gorm.DB, examID, userID uint) models.Enrollment {
	t.Helper()

	enrollment := models.Enrollment{
		ExamID:             examID,
		UserID:             userID,
		Status:             models.EnrollmentStatusEnrolled,
		DurationMultiplier: 1,
	}
	require.NoError(t, db.Omit("Exam").Create(&enrollment).Error)
	return enrollment
}

type sessionHarness struct {
	db      *gorm.DB
	engine  *grading.Engine
	svc     SessionService
	clock   *testClock
	queue   *recordingQueue
	exam    models.Exam
	pool    []models.ExamQuestion
	enroll  models.Enrollment
	student ActivityActor
	proctor ActivityActor
}

func newSessionHarness(t *testing.T, versions ...models.QuestionVersion) *sessionHarness {
	t.Helper()
	return newSessionHarnessWithEngine(t, grading.NewEngine(nil, 0.8, zerolog.Nop()), versions...)
}

func newSessionHarnessWithEngine(t *testing.T, engine *grading.Engine, versions ...models.QuestionVersion) *sessionHarness {
	t.Helper()

	db := setupExamDB(t)
	if len(versions) == 0 {
		versions = []models.QuestionVersion{mcqVersion("a"), mcqVersion("b"), mcqVersion("c")}
	}
	exam, pool := seedExam(t, db, versions...)
	enrollment := seedEnrollment(t, db, exam.ID, 11)

	clock := newTestClock(t0)
	queue := &recordingQueue{}
	svc := NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewExamRepository(db),
		engine,
		nil,
		nil,
		queue,
		NewActivityService(repository.NewActivityLogRepository(db), zerolog.Nop()),
		config.DefaultExamEngine(),
		validator.New(validator.WithRequiredStructEnabled()),
		zerolog.Nop(),
	)
	svc.(*sessionService).now = clock.Now

	return &sessionHarness{
		db:      db,
		engine:  engine,
		svc:     svc,
		clock:   clock,
		queue:   queue,
		exam:    exam,
		pool:    pool,
		enroll:  enrollment,
		student: ActivityActor{ID: 11, Role: "candidate"},
		proctor: ActivityActor{ID: 900, Role: "proctor"},
	}
}

func (h *sessionHarness) start(t *testing.T) uint {
	t.Helper()
	resp, err := h.svc.StartSession(context.Background(), h.student, startRequest(h.enroll.ID))
	require.NoError(t, err)
	return resp.Session.ID
}

func (h *sessionHarness) reload(t *testing.T, sessionID uint) models.ExamSession {
	t.Helper()
	var session models.ExamSession
	require.NoError(t, h.db.First(&session, sessionID).Error)
	return session
}

func codeVersion(cases ...models.QuestionTestCase) models.QuestionVersion {
	questionSeq++
	version := models.QuestionVersion{
		QuestionID: questionSeq,
		Version:    1,
		Type:       models.QuestionTypeCode,
		Content:    "Read n and print n*2",
		Language:   "python",
		Difficulty: 7,
		Topic:      "io",
	}
	version.SetTestCases(cases)
	return version
}

type stubRunner struct {
	mu     sync.Mutex
	report sandbox.Report
	err    error
	calls  int
}

func (s *stubRunner) Execute(ctx context.Context, code, language string, cases []sandbox.TestCase) (sandbox.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.report, s.err
}

func (s *stubRunner) Supports(string) bool { return true }
