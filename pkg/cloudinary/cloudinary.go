package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains the Cloudinary credentials and the root folder for evidence.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// EvidenceRef locates an evidence image within the exam it was captured in.
type EvidenceRef struct {
	ExamID    uint
	SessionID uint
	FlagType  string
}

// Folder is the per-session folder below root.
func (r EvidenceRef) Folder(root string) string {
	return path.Join(strings.Trim(root, "/"), "exams", strconv.FormatUint(uint64(r.ExamID), 10),
		"sessions", strconv.FormatUint(uint64(r.SessionID), 10))
}

// PublicID names one upload; the timestamp keeps repeated flags from overwriting each other.
func (r EvidenceRef) PublicID(at time.Time) string {
	kind := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, r.FlagType)
	kind = strings.Trim(kind, "-")
	if kind == "" {
		kind = "evidence"
	}
	return fmt.Sprintf("%s-%d", kind, at.UnixNano())
}

// Tags lets reviewers search evidence by exam, session and flag type in the media library.
func (r EvidenceRef) Tags() []string {
	tags := []string{
		"proctor-evidence",
		"exam-" + strconv.FormatUint(uint64(r.ExamID), 10),
		"session-" + strconv.FormatUint(uint64(r.SessionID), 10),
	}
	if r.FlagType != "" {
		tags = append(tags, strings.ToLower(r.FlagType))
	}
	return tags
}

// Service stores proctor evidence images on Cloudinary.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}
	cld.Config.URL.Secure = true

	return &Service{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "evidence_store").Logger(),
		now:    time.Now,
	}, nil
}

// StoreEvidence uploads an already validated image and returns its HTTPS URL. Only raster
// formats accepted as evidence are allowed on the Cloudinary side as well.
func (s *Service) StoreEvidence(ctx context.Context, ref EvidenceRef, body io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:         ref.Folder(s.folder),
		PublicID:       ref.PublicID(s.now()),
		ResourceType:   "image",
		Overwrite:      api.Bool(false),
		UniqueFilename: api.Bool(false),
		AllowedFormats: []string{"png", "jpg", "webp"},
		Tags:           ref.Tags(),
		Context: map[string]string{
			"exam_id":    strconv.FormatUint(uint64(ref.ExamID), 10),
			"session_id": strconv.FormatUint(uint64(ref.SessionID), 10),
			"flag_type":  ref.FlagType,
		},
	}

	result, err := s.client.Upload.Upload(ctx, body, params)
	if err != nil {
		return "", fmt.Errorf("upload evidence: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("upload evidence: %s", result.Error.Message)
	}

	s.logger.Info().
		Uint("exam_id", ref.ExamID).
		Uint("session_id", ref.SessionID).
		Str("public_id", result.PublicID).
		Int("bytes", result.Bytes).
		Msg("proctor evidence stored")

	return result.SecureURL, nil
}
