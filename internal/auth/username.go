package auth

import "golang.org/x/text/unicode/norm"

// NormalizeUsername puts a username into NFC, the form the server compares in.
// Case is preserved.
func NormalizeUsername(name string) string {
	return norm.NFC.String(name)
}
