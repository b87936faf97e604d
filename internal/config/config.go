package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the exam engine service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	JWTRefreshSecret       string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	DockerHost             string
	AIProvider             string
	OpenAIAPIKey           string
	CORSAllowedOrigins     string
	ExamEngine             ExamEngine
}

// ExamEngine carries the tunables read by the session, grading and integrity components.
type ExamEngine struct {
	MaxTabSwitches          int
	ProctorGraceMinutes     int
	AbsenceThreshold        time.Duration
	ExecutionTimeout        time.Duration
	CompileTimeout          time.Duration
	CodeRunMemoryMB         int
	CodeRunCPUShares        int
	CodeRunPidsLimit        int
	OutputLimitBytes        int
	MaxConcurrentExecutions int
	MaxParallelTests        int
	ShortAnswerSimilarity   float64
	CollusionThreshold      float64
	ChallengeWindow         time.Duration
	AnalyticsCacheTTL       time.Duration
	GradingQueue            string
	GradingPollTimeout      time.Duration
}

// DefaultExamEngine returns the engine tunables used when nothing is configured.
func DefaultExamEngine() ExamEngine {
	return ExamEngine{
		MaxTabSwitches:          3,
		ProctorGraceMinutes:     5,
		AbsenceThreshold:        30 * time.Second,
		ExecutionTimeout:        5 * time.Second,
		CompileTimeout:          30 * time.Second,
		CodeRunMemoryMB:         256,
		CodeRunCPUShares:        512,
		CodeRunPidsLimit:        64,
		OutputLimitBytes:        64 * 1024,
		MaxConcurrentExecutions: 4,
		MaxParallelTests:        4,
		ShortAnswerSimilarity:   0.8,
		CollusionThreshold:      0.95,
		ChallengeWindow:         72 * time.Hour,
		AnalyticsCacheTTL:       5 * time.Minute,
		GradingQueue:            "exam:grading:queue",
		GradingPollTimeout:      time.Second,
	}
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := DefaultExamEngine()

	v.SetDefault("app.name", "GEMA Exam Engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cloudinary.folder", "gema/proctor-evidence")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("cors.allowed_origins", "*")

	v.SetDefault("exam.max_tab_switches", defaults.MaxTabSwitches)
	v.SetDefault("exam.proctor_grace_minutes", defaults.ProctorGraceMinutes)
	v.SetDefault("exam.absence_threshold", defaults.AbsenceThreshold.String())
	v.SetDefault("execution_timeout_ms", defaults.ExecutionTimeout.Milliseconds())
	v.SetDefault("compile_timeout", defaults.CompileTimeout.String())
	v.SetDefault("code_run_memory_mb", defaults.CodeRunMemoryMB)
	v.SetDefault("code_run_cpu_shares", defaults.CodeRunCPUShares)
	v.SetDefault("code_run_pids_limit", defaults.CodeRunPidsLimit)
	v.SetDefault("code_run_output_limit_bytes", defaults.OutputLimitBytes)
	v.SetDefault("code_run_max_concurrent", defaults.MaxConcurrentExecutions)
	v.SetDefault("code_run_max_parallel_tests", defaults.MaxParallelTests)
	v.SetDefault("grading.short_answer_similarity", defaults.ShortAnswerSimilarity)
	v.SetDefault("grading.queue", defaults.GradingQueue)
	v.SetDefault("grading.poll_timeout", defaults.GradingPollTimeout.String())
	v.SetDefault("integrity.collusion_threshold", defaults.CollusionThreshold)
	v.SetDefault("results.challenge_window", defaults.ChallengeWindow.String())
	v.SetDefault("analytics.cache_ttl", defaults.AnalyticsCacheTTL.String())

	absence, err := parseDuration(v, "exam.absence_threshold", defaults.AbsenceThreshold)
	if err != nil {
		return Config{}, err
	}
	compileTimeout, err := parseDuration(v, "compile_timeout", defaults.CompileTimeout)
	if err != nil {
		return Config{}, err
	}
	pollTimeout, err := parseDuration(v, "grading.poll_timeout", defaults.GradingPollTimeout)
	if err != nil {
		return Config{}, err
	}
	challenge, err := parseDuration(v, "results.challenge_window", defaults.ChallengeWindow)
	if err != nil {
		return Config{}, err
	}
	ttl, err := parseDuration(v, "analytics.cache_ttl", defaults.AnalyticsCacheTTL)
	if err != nil {
		return Config{}, err
	}

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = int(defaults.ExecutionTimeout.Milliseconds())
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		JWTRefreshSecret:       v.GetString("jwt.refresh_secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		DockerHost:             v.GetString("docker_host"),
		AIProvider:             strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		CORSAllowedOrigins:     v.GetString("cors.allowed_origins"),
		ExamEngine: ExamEngine{
			MaxTabSwitches:          v.GetInt("exam.max_tab_switches"),
			ProctorGraceMinutes:     v.GetInt("exam.proctor_grace_minutes"),
			AbsenceThreshold:        absence,
			ExecutionTimeout:        time.Duration(timeoutMs) * time.Millisecond,
			CompileTimeout:          compileTimeout,
			CodeRunMemoryMB:         v.GetInt("code_run_memory_mb"),
			CodeRunCPUShares:        v.GetInt("code_run_cpu_shares"),
			CodeRunPidsLimit:        v.GetInt("code_run_pids_limit"),
			OutputLimitBytes:        v.GetInt("code_run_output_limit_bytes"),
			MaxConcurrentExecutions: v.GetInt("code_run_max_concurrent"),
			MaxParallelTests:        v.GetInt("code_run_max_parallel_tests"),
			ShortAnswerSimilarity:   v.GetFloat64("grading.short_answer_similarity"),
			CollusionThreshold:      v.GetFloat64("integrity.collusion_threshold"),
			ChallengeWindow:         challenge,
			AnalyticsCacheTTL:       ttl,
			GradingQueue:            v.GetString("grading.queue"),
			GradingPollTimeout:      pollTimeout,
		},
	}

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}

	cfg.ExamEngine = cfg.ExamEngine.withFallbacks(defaults)

	if cfg.ExamEngine.ShortAnswerSimilarity <= 0 || cfg.ExamEngine.ShortAnswerSimilarity > 1 {
		return Config{}, fmt.Errorf("short answer similarity must be within (0, 1], got %v", cfg.ExamEngine.ShortAnswerSimilarity)
	}

	return cfg, nil
}

func (e ExamEngine) withFallbacks(defaults ExamEngine) ExamEngine {
	if e.MaxTabSwitches <= 0 {
		e.MaxTabSwitches = defaults.MaxTabSwitches
	}
	if e.ProctorGraceMinutes < 0 {
		e.ProctorGraceMinutes = defaults.ProctorGraceMinutes
	}
	if e.CodeRunMemoryMB <= 0 {
		e.CodeRunMemoryMB = defaults.CodeRunMemoryMB
	}
	if e.CodeRunCPUShares <= 0 {
		e.CodeRunCPUShares = defaults.CodeRunCPUShares
	}
	if e.CodeRunPidsLimit <= 0 {
		e.CodeRunPidsLimit = defaults.CodeRunPidsLimit
	}
	if e.OutputLimitBytes <= 0 {
		e.OutputLimitBytes = defaults.OutputLimitBytes
	}
	if e.MaxConcurrentExecutions <= 0 {
		e.MaxConcurrentExecutions = defaults.MaxConcurrentExecutions
	}
	if e.MaxParallelTests <= 0 {
		e.MaxParallelTests = defaults.MaxParallelTests
	}
	if e.CollusionThreshold <= 0 {
		e.CollusionThreshold = defaults.CollusionThreshold
	}
	if strings.TrimSpace(e.GradingQueue) == "" {
		e.GradingQueue = defaults.GradingQueue
	}
	return e
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return fallback, nil
	}
	return value, nil
}
