package proxy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff 指数退避重试配置
type Backoff struct {
	MaxRetries   int           // 最大重试次数，不含首次尝试
	InitialDelay time.Duration // 初始延迟（默认200ms）
	MaxDelay     time.Duration // 最大延迟（默认5秒）
	Factor       float64       // 退避因子（默认2.0）
	Jitter       bool          // 是否添加±10%随机抖动
}

// Retry 执行fn，失败后按退避重试，直到成功、次数用尽或ctx取消
func (b *Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		attempt++

		if attempt > b.MaxRetries {
			if b.MaxRetries == 0 {
				return err
			}
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if ctx.Err() != nil {
			return err
		}

		delay := b.delay(attempt)
		logrus.Debugf("Attempt %d/%d failed: %v, retrying in %v", attempt, b.MaxRetries+1, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// delay 第attempt次失败后的等待时间
func (b *Backoff) delay(attempt int) time.Duration {
	initial := b.InitialDelay
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if b.Jitter {
		delay += delay * 0.2 * (rand.Float64() - 0.5)
		if delay > float64(maxDelay) {
			delay = float64(maxDelay)
		}
	}
	return time.Duration(delay)
}
