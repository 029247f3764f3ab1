package validate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/obsidianstack/bannerpush/connector/internal/source"
	"github.com/obsidianstack/bannerpush/pkg/types"
)

// Reason codes.
const (
	CodeEmpty              = "EMPTY_AFTER_TRIM"
	CodeNonASCIIWhitespace = "NON_ASCII_WHITESPACE"
	CodeDoubleSpace        = "DOUBLE_SPACE"
	CodeNonLetter          = "NON_LETTER_CHAR"
	CodeNotAnInteger       = "NOT_AN_INTEGER"
	CodeAgeOutOfRange      = "AGE_OUT_OF_RANGE"
	CodeBadUUID            = "BAD_UUID"
	CodeNilUUID            = "NIL_UUID"
	CodeIDOutOfRange       = "ID_OUT_OF_RANGE"
)

// Banner ids accepted by the remote API.
const (
	MinBannerID = 0
	MaxBannerID = 99
)

// Error is a field that failed validation. Value is the raw input and may
// contain a visitor cookie; Error() does not print it.
type Error struct {
	Field string
	Code  string
	Value string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Code)
}

func fail(field, code, value string) *Error {
	return &Error{Field: field, Code: code, Value: value}
}

// Name returns the NFC-normalized, trimmed name. Only letters and single
// ASCII spaces between words are allowed.
func Name(raw string) (string, error) {
	s := strings.TrimSpace(norm.NFC.String(raw))
	if s == "" {
		return "", fail(source.ColName, CodeEmpty, raw)
	}

	lastSpace := false
	for _, r := range s {
		if r == ' ' {
			if lastSpace {
				return "", fail(source.ColName, CodeDoubleSpace, raw)
			}
			lastSpace = true
			continue
		}
		if unicode.IsSpace(r) {
			return "", fail(source.ColName, CodeNonASCIIWhitespace, raw)
		}
		if !unicode.IsLetter(r) {
			return "", fail(source.ColName, CodeNonLetter, raw)
		}
		lastSpace = false
	}
	return s, nil
}

// Age parses a base-10 integer (leading sign and zeros allowed) and checks
// it against b inclusively.
func Age(raw string, b types.Bounds) (int, error) {
	n, err := parseInt(source.ColAge, raw, CodeAgeOutOfRange)
	if err != nil {
		return 0, err
	}
	if !b.Contains(n) {
		return 0, fail(source.ColAge, CodeAgeOutOfRange, raw)
	}
	return n, nil
}

// Cookie parses a UUID in any standard text form (hyphenated, 32 hex
// digits, braced, urn:uuid:) and returns it canonical and lowercase. The
// nil UUID is rejected.
func Cookie(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fail(source.ColCookie, CodeEmpty, raw)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fail(source.ColCookie, CodeBadUUID, raw)
	}
	if u == uuid.Nil {
		return "", fail(source.ColCookie, CodeNilUUID, raw)
	}
	return u.String(), nil
}

// BannerID parses an integer in [MinBannerID, MaxBannerID].
func BannerID(raw string) (int, error) {
	n, err := parseInt(source.ColBannerID, raw, CodeIDOutOfRange)
	if err != nil {
		return 0, err
	}
	if n < MinBannerID || n > MaxBannerID {
		return 0, fail(source.ColBannerID, CodeIDOutOfRange, raw)
	}
	return n, nil
}

// parseInt maps an overflowing value to rangeCode: it is an integer, just
// far outside any bound.
func parseInt(field, raw, rangeCode string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fail(field, CodeEmpty, raw)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fail(field, rangeCode, raw)
		}
		return 0, fail(field, CodeNotAnInteger, raw)
	}
	return n, nil
}

// Row validates Name, Age, Cookie and Banner_id in that order and returns
// the record or the first *Error.
func Row(fields map[string]string, b types.Bounds) (types.Record, error) {
	name, err := Name(fields[source.ColName])
	if err != nil {
		return types.Record{}, err
	}
	age, err := Age(fields[source.ColAge], b)
	if err != nil {
		return types.Record{}, err
	}
	cookie, err := Cookie(fields[source.ColCookie])
	if err != nil {
		return types.Record{}, err
	}
	banner, err := BannerID(fields[source.ColBannerID])
	if err != nil {
		return types.Record{}, err
	}
	return types.Record{Name: name, Age: age, Cookie: cookie, BannerID: banner}, nil
}
