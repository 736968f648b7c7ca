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

package lru

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	reg := prometheus.NewRegistry()

	var evictedKeys []int
	c := New[int, string](reg,
		WithMaxSize[int, string](3),
		WithOnEvict[int, string](func(k int, _ string) {
			evictedKeys = append(evictedKeys, k)
		}),
	)
	t.Cleanup(func() { c.Close() })

	c.Add(1, "a")
	c.Add(2, "b")
	c.Add(3, "c")

	// Touch 1 so 2 becomes the oldest.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Add(4, "d")
	require.Equal(t, []int{2}, evictedKeys)

	_, ok = c.Peek(2)
	require.False(t, ok)
	for _, k := range []int{1, 3, 4} {
		_, ok = c.Peek(k)
		require.True(t, ok)
	}
}

func TestLRURemoveMatching(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[int, int](reg, WithMaxSize[int, int](10))
	t.Cleanup(func() { c.Close() })

	for i := 0; i < 6; i++ {
		c.Add(i, i*i)
	}
	c.RemoveMatching(func(k, _ int) bool { return k%2 == 0 })

	for i := 0; i < 6; i++ {
		_, ok := c.Peek(i)
		require.Equal(t, i%2 == 1, ok)
	}
}

func TestLRUUpdateExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[string, int](reg, WithMaxSize[string, int](2))
	t.Cleanup(func() { c.Close() })

	c.Add("x", 1)
	c.Add("y", 2)
	c.Add("x", 3)
	c.Add("z", 4)

	// Re-adding "x" refreshed it, so "y" was the eviction victim.
	v, ok := c.Peek("x")
	require.True(t, ok)
	require.Equal(t, 3, v)
	_, ok = c.Peek("y")
	require.False(t, ok)
}
