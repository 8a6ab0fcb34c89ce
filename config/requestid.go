package config

import (
	"math/rand"
	"time"
)

// RandomTrailer generates a short lowercase-alphanumeric string used to tag
// a request for correlation across log lines.
func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	res := make([]byte, length)
	for i := range res {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}
