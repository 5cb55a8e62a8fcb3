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

import "sync"

// refCountedMutex is a mutex that tracks how many goroutines hold or wait for it,
// so the owning keyedMutex can drop it once nobody references it.
type refCountedMutex struct {
	mu    sync.Mutex
	count int
}

// keyedMutex serializes work per correlation id. Entries are created on
// demand and removed when their last user unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refCountedMutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refCountedMutex)}
}

// Lock blocks until key is held and returns the function releasing it.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	rcm, ok := k.locks[key]
	if !ok {
		rcm = &refCountedMutex{}
		k.locks[key] = rcm
	}
	rcm.count++
	k.mu.Unlock()

	rcm.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rcm.mu.Unlock()

			k.mu.Lock()
			rcm.count--
			if rcm.count == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited for.
func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
