package chatkit

// DefaultChunkLimit is the delivery endpoint's per-message size limit,
// kept slightly under Telegram's hard 4096-character cap.
const DefaultChunkLimit = 4000

// Split breaks text into delivery-sized chunks of at most limit runes.
//
// Each cut prefers the last line break inside the window, then the last
// word boundary, and only hard-cuts mid-word when a single word exceeds
// the window. Boundary whitespace is consumed by the cut, so joining the
// chunks (modulo that whitespace) reconstructs the original text.
func Split(s string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}

		cut := -1
		// Prefer a line break near the end of the window; avoid tiny chunks.
		for i := end; i > start; i-- {
			if rs[i-1] == '\n' && i-start >= limit/4 {
				cut = i
				break
			}
		}
		// Fall back to the last word boundary.
		if cut == -1 {
			for i := end; i > start; i-- {
				if rs[i-1] == ' ' || rs[i-1] == '\t' {
					cut = i
					break
				}
			}
		}
		// A single over-long word: hard cut.
		if cut == -1 || cut <= start {
			cut = end
		}

		chunk := trimRightSpace(string(rs[start:cut]))
		if chunk != "" {
			out = append(out, chunk)
		}

		start = cut
		// Skip the boundary whitespace consumed by the cut.
		for start < len(rs) && (rs[start] == '\n' || rs[start] == ' ' || rs[start] == '\t') {
			start++
		}
	}
	return out
}

func trimRightSpace(s string) string {
	end := len(s)
	for end > 0 {
		c := s[end-1]
		if c != '\n' && c != ' ' && c != '\t' && c != '\r' {
			break
		}
		end--
	}
	return s[:end]
}
