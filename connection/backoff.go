package connection

import (
	"math"
	"math/rand"
	"time"
)

/*
 * ============================================================================
 * 重试退避 - Retry Strategy
 * ============================================================================
 *
 * 指数退避：delay = base^attempt * factor 毫秒，外加至多 jitter_percent
 * 百分比的随机毫秒数，重试次数有上限。
 */

// RetryStrategy 指数退避参数
type RetryStrategy struct {
	ExponentBase    int
	Factor          int // 毫秒
	NumberOfRetries int
	JitterPercent   int
}

// DefaultRetryStrategy 默认退避参数
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		ExponentBase:    2,
		Factor:          100,
		NumberOfRetries: 5,
		JitterPercent:   20,
	}
}

// DelayFor 第 attempt 次重试前的等待时长
func (s RetryStrategy) DelayFor(attempt int) time.Duration {
	base := s.ExponentBase
	if base <= 0 {
		base = 2
	}
	factor := s.Factor
	if factor <= 0 {
		factor = 100
	}

	delayMs := math.Pow(float64(base), float64(attempt)) * float64(factor)
	if s.JitterPercent > 0 {
		jitter := delayMs * float64(rand.Intn(s.JitterPercent+1)) / 100.0
		delayMs += jitter
	}
	return time.Duration(delayMs) * time.Millisecond
}
