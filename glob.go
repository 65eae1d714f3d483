package redpub

// globMatch reports whether subj matches pattern using the same glob rules
// redis applies to PSUBSCRIBE patterns:
//
//	*      any sequence of bytes, including none
//	?      exactly one byte
//	[abc]  one byte out of the set; [^abc] negates, [a-z] is a range
//	\x     the literal byte x
func globMatch(pattern, subj string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(subj); i++ {
				if globMatch(pattern[1:], subj[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(subj) == 0 {
				return false
			}
			pattern, subj = pattern[1:], subj[1:]
		case '[':
			if len(subj) == 0 {
				return false
			}
			var ok bool
			if ok, pattern = matchClass(pattern[1:], subj[0]); !ok {
				return false
			}
			subj = subj[1:]
		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(subj) == 0 || subj[0] != pattern[0] {
				return false
			}
			pattern, subj = pattern[1:], subj[1:]
		}
	}
	return len(subj) == 0
}

// matchClass matches c against a bracketed class whose opening '[' has
// already been consumed, and returns the pattern following the closing ']'.
// An unterminated class runs to the end of the pattern.
func matchClass(pattern string, c byte) (bool, string) {
	var not, match bool
	if len(pattern) > 0 && pattern[0] == '^' {
		not = true
		pattern = pattern[1:]
	}

	for len(pattern) > 0 {
		switch {
		case pattern[0] == ']':
			return match != not, pattern[1:]
		case pattern[0] == '\\' && len(pattern) >= 2:
			match = match || pattern[1] == c
			pattern = pattern[2:]
		case len(pattern) >= 3 && pattern[1] == '-':
			start, end := pattern[0], pattern[2]
			if start > end {
				start, end = end, start
			}
			match = match || (c >= start && c <= end)
			pattern = pattern[3:]
		default:
			match = match || pattern[0] == c
			pattern = pattern[1:]
		}
	}
	return match != not, pattern
}
