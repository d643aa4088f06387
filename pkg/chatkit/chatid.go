package chatkit

// Telegram encodes the same logical group chat two ways: a plain negative
// group id (-X) and a supergroup id with a -100 prefix (-100...X). Upstream
// systems hand us either form, so job identity always uses the canonical
// (supergroup) encoding and delivery falls back through Variants.
const supergroupOffset = int64(1_000_000_000_000)

// Canonical normalizes a chat id to the supergroup encoding.
// Positive ids (direct user chats) are already canonical.
func Canonical(id int64) int64 {
	if id < 0 && id > -supergroupOffset {
		return id - supergroupOffset
	}
	return id
}

// Variants returns the ordered list of encodings to try for delivery:
// the canonical id first, then the alternate prefix variant when one
// exists. Positive ids have no variant.
func Variants(id int64) []int64 {
	c := Canonical(id)
	if c >= 0 {
		return []int64{c}
	}
	if c <= -supergroupOffset {
		bare := c + supergroupOffset // strips the -100 prefix
		if bare < 0 {
			return []int64{c, bare}
		}
	}
	return []int64{c}
}
