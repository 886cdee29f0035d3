// Copyright 2024 The corefs Authors.
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

package pathfs

import (
	"strings"
	"testing"

	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/stretchr/testify/assert"
)

func TestSkipelem(t *testing.T) {
	cases := []struct {
		path, elem, rest string
		ok               bool
	}{
		{"a/bb/c", "a", "bb/c", true},
		{"///a/bb", "a", "bb", true},
		{"a", "a", "", true},
		{"", "", "", false},
		{"////", "", "", false},
		{"a//b", "a", "b", true},
	}
	for _, c := range cases {
		elem, rest, ok := Skipelem(c.path)
		assert.Equal(t, c.ok, ok, "path %q", c.path)
		assert.Equal(t, c.elem, elem, "path %q", c.path)
		assert.Equal(t, c.rest, rest, "path %q", c.path)
	}
}

func TestNamecmpTruncatesAtMaxNameLen(t *testing.T) {
	long := strings.Repeat("x", ondisk.MaxNameLen+5)
	assert.True(t, Namecmp(long, long[:ondisk.MaxNameLen]),
		"two names agreeing up to MaxNameLen must compare equal, the same bound a dirent's fixed name field imposes")
	assert.False(t, Namecmp("abc", "abd"))
	assert.True(t, Namecmp("abc", "abc"))
}

func TestNamecmpEmptyStrings(t *testing.T) {
	assert.True(t, Namecmp("", ""))
	assert.False(t, Namecmp("", "a"))
}
