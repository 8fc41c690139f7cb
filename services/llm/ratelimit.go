// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited gates every call through a token bucket shared by all
// callers, so N concurrent sections cannot exceed the provider quota.
type RateLimited struct {
	next    Model
	limiter *rate.Limiter
}

// NewRateLimited wraps next. rps <= 0 disables limiting and returns next.
func NewRateLimited(next Model, rps float64, burst int) Model {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Chat waits for a token, then calls the wrapped model.
func (r *RateLimited) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Chat(ctx, messages)
}

// WithTimeout bounds every call to d. d <= 0 returns next unchanged.
func WithTimeout(next Model, d time.Duration) Model {
	if d <= 0 {
		return next
	}
	return ModelFunc(func(ctx context.Context, messages []Message) (*Response, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next.Chat(ctx, messages)
	})
}
