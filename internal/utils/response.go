package utils

import "github.com/gofiber/fiber/v2"

// Machine-readable error codes clients switch on instead of parsing messages.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeSessionLocked    = "SESSION_LOCKED"
	CodeExamEnded        = "EXAM_ENDED"
	CodeConflict         = "CONFLICT"
	CodeForbidden        = "FORBIDDEN"
	CodeEvidenceTooLarge = "EVIDENCE_TOO_LARGE"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(APIResponse{Success: true, Data: data, Message: message})
}

func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorWithCode(c, status, "", message, nil)
}

// SendErrorWithData keeps a payload next to the failure, e.g. the session state a locked
// candidate should render.
func SendErrorWithData(c *fiber.Ctx, status int, message string, data interface{}) error {
	return SendErrorWithCode(c, status, "", message, data)
}

// SendErrorWithCode writes a failure envelope. An empty code is derived from the status.
func SendErrorWithCode(c *fiber.Ctx, status int, code, message string, data interface{}) error {
	if message == "" {
		message = "error"
	}
	if code == "" {
		code = codeForStatus(status)
	}
	return c.Status(status).JSON(APIResponse{Success: false, Data: data, Message: message, Code: code})
}

// SendValidationError reports rejected fields with a 400.
func SendValidationError(c *fiber.Ctx, message string, fields []FieldError) error {
	var data interface{}
	if len(fields) > 0 {
		data = fiber.Map{"fields": fields}
	}
	return SendErrorWithCode(c, fiber.StatusBadRequest, CodeInvalidRequest, message, data)
}

func codeForStatus(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return CodeNotFound
	case status == fiber.StatusConflict:
		return CodeConflict
	case status == fiber.StatusForbidden:
		return CodeForbidden
	case status == fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case status == fiber.StatusTooManyRequests:
		return "RATE_LIMITED"
	case status >= fiber.StatusInternalServerError:
		return CodeInternal
	case status >= fiber.StatusBadRequest:
		return CodeInvalidRequest
	default:
		return ""
	}
}
