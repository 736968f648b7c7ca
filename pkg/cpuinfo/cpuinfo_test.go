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

package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCPUSet(t *testing.T) {
	tests := []struct {
		input   string
		want    CPUSet
		num     uint64
		all     []int
		wantErr bool
	}{
		{
			input: "0-3\n",
			want:  CPUSet{{First: 0, Last: 3}},
			num:   4,
			all:   []int{0, 1, 2, 3},
		},
		{
			input: "0,2-4,7\n",
			want:  CPUSet{{First: 0, Last: 0}, {First: 2, Last: 4}, {First: 7, Last: 7}},
			num:   5,
			all:   []int{0, 2, 3, 4, 7},
		},
		{
			input: "0\n",
			want:  CPUSet{{First: 0, Last: 0}},
			num:   1,
			all:   []int{0},
		},
		{
			input:   "3-1\n",
			wantErr: true,
		},
		{
			input:   "x\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		got, err := parseCPUSet(tt.input)
		if tt.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
		require.Equal(t, tt.num, got.Num())
		require.Equal(t, tt.all, got.All())
	}
}
