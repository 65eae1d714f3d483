package redpub

import (
	. "testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *T) {
	type test struct {
		pattern, subj string
		exp           bool
	}

	tests := []test{
		{"", "", true},
		{"", "a", false},
		{"*", "", true},
		{"*", "anything", true},
		{"news.*", "news.tech", true},
		{"news.*", "news.", true},
		{"news.*", "sports.tech", false},
		{"*.tech", "news.tech", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"a**c", "abc", true},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hallo", true},
		{"h[ae]llo", "hillo", false},
		{"h[^e]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[a-c]llo", "hbllo", true},
		{"h[c-a]llo", "hbllo", true},
		{"h[a-c]llo", "hdllo", false},
		{`h\*llo`, "h*llo", true},
		{`h\*llo`, "hello", false},
		{`[\]]`, "]", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, globMatch(test.pattern, test.subj), "pattern:%q subj:%q", test.pattern, test.subj)
	}
}
