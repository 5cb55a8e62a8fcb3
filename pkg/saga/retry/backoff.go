// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"math"
	"math/rand"
	"time"
)

// Exponential doubles (or multiplies by Multiplier) the delay after every
// attempt, capped at Config.MaxDelay. Jitter spreads concurrent writers
// racing on the same saga version: the delay is drawn from
// [d/2, d/2 + d/2*Jitter].
type Exponential struct {
	Config     *RetryConfig
	Multiplier float64
	Jitter     float64
}

// NewExponential clamps multiplier to >= 1 (2 when lower) and jitter to
// [0, 1].
func NewExponential(config *RetryConfig, multiplier, jitter float64) *Exponential {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	jitter = math.Max(0, math.Min(1, jitter))
	return &Exponential{Config: config, Multiplier: multiplier, Jitter: jitter}
}

func (p *Exponential) ShouldRetry(err error, attempt int) bool {
	return attempt < p.Config.MaxAttempts && p.Config.IsRetryableError(err)
}

func (p *Exponential) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.Config.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Config.MaxDelay > 0 {
		d = math.Min(d, float64(p.Config.MaxDelay))
	}
	if p.Jitter > 0 {
		half := d / 2
		d = half + rand.Float64()*half*p.Jitter
	}
	return time.Duration(d)
}

func (p *Exponential) GetMaxAttempts() int { return p.Config.MaxAttempts }

// Fixed waits Interval between attempts. Transports use it to redeliver a
// message to its handler before giving it back to the broker.
type Fixed struct {
	Config   *RetryConfig
	Interval time.Duration
}

// NewFixed falls back to Config.InitialDelay when interval is not positive.
func NewFixed(config *RetryConfig, interval time.Duration) *Fixed {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if interval <= 0 {
		interval = config.InitialDelay
	}
	return &Fixed{Config: config, Interval: interval}
}

func (p *Fixed) ShouldRetry(err error, attempt int) bool {
	return attempt < p.Config.MaxAttempts && p.Config.IsRetryableError(err)
}

func (p *Fixed) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.Interval
}

func (p *Fixed) GetMaxAttempts() int { return p.Config.MaxAttempts }
