package slice

func FindPos(s []string, v string) int {
	for i, sv := range s {
		if sv == v {
			return i
		}
	}
	return -1
}

func Filter[T any](s []T, keep func(T) bool) []T {
	var res = make([]T, 0, len(s))
	for _, v := range s {
		if keep(v) {
			res = append(res, v)
		}
	}
	return res
}

func DiscardFromSlice[T any](s []T, discard func(T) bool) []T {
	n := 0
	for _, v := range s {
		if !discard(v) {
			s[n] = v
			n++
		}
	}
	return s[:n]
}
