package writeq

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// InvoiceFields are the extracted fields that identify a logical invoice.
type InvoiceFields struct {
	Date    string
	Number  string
	Company string
	Gross   string
	Type    string
}

// normalizeField folds case, applies NFKC and drops every whitespace rune,
// so "ACME  Sp. z o.o." and "acme sp.z o.o." compare equal.
func normalizeField(s string) string {
	s = norm.NFKC.String(cases.Fold().String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ContentHash fingerprints an invoice by its normalized fields.
func ContentHash(f InvoiceFields) string {
	payload := strings.Join([]string{
		normalizeField(f.Date),
		normalizeField(f.Number),
		normalizeField(f.Company),
		normalizeField(f.Gross),
		normalizeField(f.Type),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// FileHash returns the SHA-256 hex digest of everything read from r.
func FileHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func FileHashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
