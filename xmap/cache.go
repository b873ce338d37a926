/*
 *	Copyright 2025 The GoMLX Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package xmap

import (
	"sync"

	"k8s.io/klog/v2"
)

// The executable cache is shared process-wide and unbounded, with no eviction. Keys are
// structural fingerprints of (function identity, axis specs, schedule, mesh identity and
// topology, argument shapes and dtypes); see XMap.fingerprint.
var (
	muCache      sync.Mutex
	cacheEntries = make(map[string]*cacheEntry)
)

type cacheEntry struct {
	once     sync.Once
	compiled *compiledCall
	err      error
}

// getOrCompile returns the compilation for key, invoking build at most once per distinct
// key (single-flight). A failed build leaves no entry behind, so the next call with the
// same key retries cleanly.
func getOrCompile(key string, build func() (*compiledCall, error)) (*compiledCall, error) {
	muCache.Lock()
	entry, found := cacheEntries[key]
	if !found {
		entry = &cacheEntry{}
		cacheEntries[key] = entry
	}
	muCache.Unlock()
	if found {
		klog.V(1).Infof("executable cache hit for %q", key)
	}
	entry.once.Do(func() {
		entry.compiled, entry.err = build()
	})
	if entry.err != nil {
		muCache.Lock()
		if cacheEntries[key] == entry {
			delete(cacheEntries, key)
		}
		muCache.Unlock()
		return nil, entry.err
	}
	return entry.compiled, nil
}

// ClearCache invalidates every compiled executable. Required after SetSPMDLowering
// changes the lowering mode, since cached programs were compiled under the old mode.
func ClearCache() {
	muCache.Lock()
	defer muCache.Unlock()
	klog.V(1).Infof("executable cache cleared (%d entries)", len(cacheEntries))
	cacheEntries = make(map[string]*cacheEntry)
}
