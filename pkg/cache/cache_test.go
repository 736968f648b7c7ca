// Copyright 2024 The Flamelet Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewLRUCache[string, int](reg, 2)
	t.Cleanup(func() { c.Close() })

	c.Add("key1", 1)
	c.Add("key2", 2)

	v, ok := c.Get("key1")
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = c.Peek("key2")
	require.True(t, ok)
	require.Equal(t, 2, v)

	// key1 was used most recently, so key2 goes first.
	c.Add("key3", 3)

	_, ok = c.Get("key2")
	require.False(t, ok)

	c.Remove("key1")
	_, ok = c.Peek("key1")
	require.False(t, ok)
}

func TestLRUCacheWithTTL(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewLRUCacheWithTTL[string, int](reg, 2, 1*time.Millisecond)
	t.Cleanup(func() { c.Close() })

	c.Add("key1", 1)
	v, ok := c.Get("key1")
	require.True(t, ok)
	require.Equal(t, 1, v)

	time.Sleep(2 * time.Millisecond)
	_, ok = c.Get("key1")
	require.False(t, ok)

	c.Add("key2", 2)
	v, ok = c.Peek("key2")
	require.True(t, ok)
	require.Equal(t, 2, v)

	c.Remove("key2")
	_, ok = c.Get("key2")
	require.False(t, ok)

	c.Add("key3", 3)
	c.Add("key4", 4)
	c.Add("key5", 5)

	_, ok = c.Peek("key3")
	require.False(t, ok)
}

func TestLRUCacheWithEvictionTTL(t *testing.T) {
	reg := prometheus.NewRegistry()

	evicted := map[string]int{}
	c := NewLRUCacheWithEvictionTTL[string, int](reg, 2, time.Minute, func(k string, v int) {
		evicted[k] = v
	})
	t.Cleanup(func() { c.Close() })

	c.Add("key1", 1)
	c.Add("key2", 2)
	c.Add("key3", 3)

	require.Equal(t, map[string]int{"key1": 1}, evicted)

	// Explicit removal must not fire the eviction callback.
	c.Remove("key2")
	require.Equal(t, map[string]int{"key1": 1}, evicted)

	_, ok := c.Get("key3")
	require.True(t, ok)
}
