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

package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/storage"
)

// claimJournal records the claims a message takes and gives up so that
// they can be matched against what was actually committed. A transition
// claims its deduplication key before the instance is saved; if that save
// never lands the claim would otherwise stay with an owner that does not
// know about it.
type claimJournal struct {
	claims   saga.Claimer
	owner    string
	mu       sync.Mutex
	taken    []string
	released []string
}

func newClaimJournal(claims saga.Claimer, owner string) *claimJournal {
	return &claimJournal{claims: claims, owner: owner}
}

func (j *claimJournal) Claim(ctx context.Context, key, owner string) (string, error) {
	current, err := j.claims.Claim(ctx, key, owner)
	if err != nil {
		return "", err
	}
	if current == owner && owner == j.owner {
		j.mu.Lock()
		j.taken = appendKey(j.taken, key)
		j.released = slices.DeleteFunc(j.released, func(k string) bool { return k == key })
		j.mu.Unlock()
	}
	return current, nil
}

func (j *claimJournal) Release(ctx context.Context, key, owner string) error {
	if err := j.claims.Release(ctx, key, owner); err != nil {
		return err
	}
	if owner == j.owner {
		j.mu.Lock()
		j.released = appendKey(j.released, key)
		j.taken = slices.DeleteFunc(j.taken, func(k string) bool { return k == key })
		j.mu.Unlock()
	}
	return nil
}

// reconcile makes the claim table agree with the claims held by persisted,
// which is nil when nothing was stored. Claims taken but not held are
// released; claims released but still held are taken back.
func (j *claimJournal) reconcile(ctx context.Context, persisted *saga.Instance) error {
	j.mu.Lock()
	taken := slices.Clone(j.taken)
	released := slices.Clone(j.released)
	j.taken, j.released = nil, nil
	j.mu.Unlock()

	held := saga.HeldClaims(persisted)
	var errs []error
	for _, key := range taken {
		if !slices.Contains(held, key) {
			errs = append(errs, j.claims.Release(ctx, key, j.owner))
		}
	}
	for _, key := range released {
		if slices.Contains(held, key) {
			if _, err := j.claims.Claim(ctx, key, j.owner); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func appendKey(keys []string, key string) []string {
	if slices.Contains(keys, key) {
		return keys
	}
	return append(keys, key)
}

// settleClaims reconciles j against the committed instance, or against the
// stored one when committed is unknown.
func (o *Orchestrator) settleClaims(ctx context.Context, j *claimJournal, committed *saga.Instance, known bool) {
	j.mu.Lock()
	idle := len(j.taken) == 0 && len(j.released) == 0
	j.mu.Unlock()
	if idle {
		return
	}

	// The message context may already be done.
	ctx = context.WithoutCancel(ctx)
	if !known {
		inst, err := o.store.Load(ctx, j.owner)
		switch {
		case err == nil:
			committed = inst
		case errors.Is(err, storage.ErrNotFound):
		default:
			o.logger.Warn("claims left unreconciled", logger.CorrelationID(j.owner), zap.Error(err))
			return
		}
	}
	if err := j.reconcile(ctx, committed); err != nil {
		o.logger.Warn("claim reconciliation failed", logger.CorrelationID(j.owner), zap.Error(err))
	}
}
