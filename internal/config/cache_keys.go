package config

import "fmt"

type cacheKeys struct{}

// CacheKey builds Redis keys, channels and NATS subjects used by the exam engine.
var CacheKey = cacheKeys{}

func (cacheKeys) ExamMonitorChannel(examID uint) string {
	return fmt.Sprintf("exam:%d:monitor", examID)
}

func (cacheKeys) ExamMonitorSubject(examID uint) string {
	return fmt.Sprintf("exam.%d.monitor", examID)
}

func (cacheKeys) ExamAnalytics(examID uint) string {
	return fmt.Sprintf("exam:%d:analytics", examID)
}
