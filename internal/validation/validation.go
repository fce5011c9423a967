package validation

import (
	"errors"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// MaxCityLength is the longest accepted city name, in runes.
const MaxCityLength = 100

// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city name is required")

// ErrCityTooLong is returned when the city exceeds MaxCityLength.
var ErrCityTooLong = errors.New("city name too long")

// ErrCityNumeric is returned when the city is digits only.
var ErrCityNumeric = errors.New("city name cannot be only numbers")

// ErrCityPunctuation is returned when the city is punctuation only (e.g. "-----").
var ErrCityPunctuation = errors.New("city name cannot be only punctuation")

// ErrCityNoLetter is returned when the city contains no letter at all.
var ErrCityNoLetter = errors.New("city name must contain letters")

// ErrCityEdges is returned when the city does not start and end with a letter.
var ErrCityEdges = errors.New("city name must start and end with letters")

// ErrCityInvalidChars is returned when the city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city name contains invalid characters")

// Rule order matters: validator stops at the first failing tag, so the most specific
// rejection is reported.
const cityTags = "required,max=100,city_not_numeric,city_not_punct,city_has_letter,city_edges,city_charset"

var tagErrors = map[string]error{
	"required":         ErrCityEmpty,
	"max":              ErrCityTooLong,
	"city_not_numeric": ErrCityNumeric,
	"city_not_punct":   ErrCityPunctuation,
	"city_has_letter":  ErrCityNoLetter,
	"city_edges":       ErrCityEdges,
	"city_charset":     ErrCityInvalidChars,
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		mustRegister := func(tag string, fn func(string) bool) {
			if err := validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
				return fn(fl.Field().String())
			}); err != nil {
				panic(err)
			}
		}
		mustRegister("city_not_numeric", func(s string) bool { return !allRunes(s, unicode.IsDigit) })
		mustRegister("city_not_punct", func(s string) bool { return !allRunes(s, isCityPunct) })
		mustRegister("city_has_letter", func(s string) bool { return strings.IndexFunc(s, unicode.IsLetter) >= 0 })
		mustRegister("city_edges", hasLetterEdges)
		mustRegister("city_charset", func(s string) bool { return allRunes(s, isAllowedCityRune) })
	})
	return validate
}

// ValidateCity trims the input and enforces the city-name rules. Returns the trimmed
// city or one of the ErrCity* sentinels. Cache-key normalization is left to the cache.
func ValidateCity(input string) (string, error) {
	s := strings.TrimSpace(input)
	err := getValidator().Var(s, cityTags)
	if err == nil {
		return s, nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if sentinel, ok := tagErrors[verrs[0].Tag()]; ok {
			return "", sentinel
		}
	}
	return "", err
}

// isAllowedCityRune returns true for letters and whitespace (both Unicode), hyphen, apostrophe, period, comma.
func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '-', '\'', '.', ',':
		return true
	}
	return false
}

func isCityPunct(r rune) bool {
	switch r {
	case '-', '\'', '.', ',':
		return true
	}
	return false
}

func hasLetterEdges(s string) bool {
	r := []rune(s)
	if len(r) == 0 {
		return false
	}
	return unicode.IsLetter(r[0]) && unicode.IsLetter(r[len(r)-1])
}

func allRunes(s string, fn func(rune) bool) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !fn(r) {
			return false
		}
	}
	return true
}
