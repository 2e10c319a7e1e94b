package transport

// IDLess reports whether stream id a sorts before stream id b. Ids have the
// form `<ms>-<seq>` or a bare number and compare numerically.
func IDLess(a, b string) bool {
	return idLess(a, b)
}
