package channel

// matchPattern reports whether topic matches a Redis-style glob pattern:
// '*' matches any sequence, '?' matches one character, '[...]' matches a
// character class (with '^' negation and 'a-z' ranges) and '\' escapes the
// next character. Used by LocalChannel to mirror the server-side matching
// the Redis backends get for free.
func matchPattern(pattern, topic string) bool {
	p, t := 0, 0
	starP, starT := -1, 0

	for t < len(topic) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				// Remember the star so we can backtrack to it.
				starP, starT = p, t
				p++
				continue
			case '?':
				p++
				t++
				continue
			case '[':
				if end, ok := matchClass(pattern, p, topic[t]); ok {
					p = end
					t++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == topic[t] {
					p += 2
					t++
					continue
				}
			default:
				if pattern[p] == topic[t] {
					p++
					t++
					continue
				}
			}
		}
		if starP >= 0 {
			// Let the previous '*' swallow one more character.
			starT++
			p, t = starP+1, starT
			continue
		}
		return false
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches c against the class starting at pattern[start] (which is
// '['). On a match it returns the index just past the closing ']'.
func matchClass(pattern string, start int, c byte) (int, bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}

	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			i++
			if pattern[i] == c {
				matched = true
			}
			i++
			continue
		}
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			if pattern[i] <= c && c <= pattern[i+2] {
				matched = true
			}
			i += 3
			continue
		}
		if pattern[i] == c {
			matched = true
		}
		i++
	}
	if i >= len(pattern) {
		// Unterminated class never matches.
		return 0, false
	}
	return i + 1, matched != negate
}
