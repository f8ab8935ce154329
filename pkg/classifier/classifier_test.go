// Copyright 2026 Capiroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "json array",
			raw:  `["get_price", "get_news"]`,
			want: []string{"get_price", "get_news"},
		},
		{
			name: "fenced json array",
			raw:  "```json\n[\"get_price\"]\n```",
			want: []string{"get_price"},
		},
		{
			name: "plain fence",
			raw:  "```\n[\"get_price\"]\n```",
			want: []string{"get_price"},
		},
		{
			name: "comma separated",
			raw:  "get_price, get_news",
			want: []string{"get_price", "get_news"},
		},
		{
			name: "one per line",
			raw:  "get_price\nget_news\n",
			want: []string{"get_price", "get_news"},
		},
		{
			name: "bulleted list",
			raw:  "- get_price\n- get_news",
			want: []string{"get_price", "get_news"},
		},
		{
			name: "quoted loose ids",
			raw:  `"get_price", 'get_news'`,
			want: []string{"get_price", "get_news"},
		},
		{
			name: "duplicates collapsed",
			raw:  `["get_price", "get_price", "get_news"]`,
			want: []string{"get_price", "get_news"},
		},
		{
			name: "none is not an id",
			raw:  "none",
			want: []string{},
		},
		{
			name: "empty json array",
			raw:  `[]`,
			want: []string{},
		},
		{
			name: "empty input",
			raw:  "",
			want: nil,
		},
		{
			name: "whitespace only",
			raw:  "   \n  ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseIDs(tt.raw)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
