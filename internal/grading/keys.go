package grading

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/sandbox"
	"github.com/noah-isme/gema-exam-engine/pkg/similarity"
)

// AnswerKey is the grading data of one question. Each variant carries only the fields its
// question type needs.
type AnswerKey interface {
	Type() string
	answerKey()
}

// Option is a selectable choice with its correctness.
type Option struct {
	ID        string
	Text      string
	IsCorrect bool
}

// MCQKey grades a single-choice question.
type MCQKey struct {
	Options []Option
}

// MultiSelectKey grades a question with several correct options.
type MultiSelectKey struct {
	Options []Option
}

// FillBlankKey grades an exact-text answer.
type FillBlankKey struct {
	Correct string
}

// ShortAnswerKey grades free text by weighted keywords.
type ShortAnswerKey struct {
	Keywords []similarity.Keyword
}

// CodeKey grades a program against test cases.
type CodeKey struct {
	Language  string
	TestCases []sandbox.TestCase
}

func (MCQKey) Type() string         { return models.QuestionTypeMCQ }
func (MultiSelectKey) Type() string { return models.QuestionTypeMultiSelect }
func (FillBlankKey) Type() string   { return models.QuestionTypeFillBlank }
func (ShortAnswerKey) Type() string { return models.QuestionTypeShortAnswer }
func (CodeKey) Type() string        { return models.QuestionTypeCode }

func (MCQKey) answerKey()         {}
func (MultiSelectKey) answerKey() {}
func (FillBlankKey) answerKey()   {}
func (ShortAnswerKey) answerKey() {}
func (CodeKey) answerKey()        {}

// KeyFromVersion builds the answer key variant of a pinned question version.
func KeyFromVersion(version models.QuestionVersion) (AnswerKey, error) {
	switch version.Type {
	case models.QuestionTypeMCQ:
		return MCQKey{Options: convertOptions(version.OptionList())}, nil
	case models.QuestionTypeMultiSelect:
		return MultiSelectKey{Options: convertOptions(version.OptionList())}, nil
	case models.QuestionTypeFillBlank:
		return FillBlankKey{Correct: version.CorrectAnswer}, nil
	case models.QuestionTypeShortAnswer:
		stored := version.KeywordList()
		keywords := make([]similarity.Keyword, 0, len(stored))
		for _, kw := range stored {
			keywords = append(keywords, similarity.Keyword{Keyword: kw.Keyword, Weight: kw.Weight})
		}
		return ShortAnswerKey{Keywords: keywords}, nil
	case models.QuestionTypeCode:
		stored := version.TestCaseList()
		cases := make([]sandbox.TestCase, 0, len(stored))
		for _, tc := range stored {
			cases = append(cases, sandbox.TestCase{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput, IsHidden: tc.IsHidden})
		}
		return CodeKey{Language: version.Language, TestCases: cases}, nil
	default:
		return nil, fmt.Errorf("unknown question type %q", version.Type)
	}
}

func convertOptions(stored []models.QuestionOption) []Option {
	options := make([]Option, 0, len(stored))
	for _, opt := range stored {
		options = append(options, Option{ID: opt.ID, Text: opt.Text, IsCorrect: opt.IsCorrect})
	}
	return options
}

// Submission is a candidate's raw answer.
type Submission struct {
	Content  string
	Code     string
	Language string
}

// SelectedOptions parses a selection given either as a JSON array or a comma-separated list.
func (s Submission) SelectedOptions() []string {
	raw := strings.TrimSpace(s.Content)
	if raw == "" {
		return nil
	}

	var ids []string
	if strings.HasPrefix(raw, "[") && json.Unmarshal([]byte(raw), &ids) == nil {
		return dedupe(ids)
	}
	return dedupe(strings.Split(raw, ","))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
