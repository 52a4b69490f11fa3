package types

import (
	"testing"

	"github.com/matryer/is"
)

func TestNormalizeOutcome(t *testing.T) {
	is := is.New(t)

	outcome, known := NormalizeOutcome("ANSWERED")
	is.True(known)
	is.Equal(OutcomeAnswered, outcome)

	outcome, known = NormalizeOutcome("BRIDGED")
	is.True(known)
	is.Equal(OutcomeAnswered, outcome)

	outcome, known = NormalizeOutcome("NO ANSWER")
	is.True(known)
	is.Equal(OutcomeNoAnswer, outcome)

	_, known = NormalizeOutcome("SOMETHING_ELSE")
	is.True(!known)
}

func TestValidPhone(t *testing.T) {
	is := is.New(t)

	is.True(ValidPhone("123456"))
	is.True(ValidPhone("79001234567"))

	is.True(!ValidPhone(""))
	is.True(!ValidPhone("12345"))
	is.True(!ValidPhone("1234567"))
	is.True(!ValidPhone("7900123456"))
	is.True(!ValidPhone("+79001234567"))
	is.True(!ValidPhone("12 34 56"))
}

func TestSpelledDigits(t *testing.T) {
	is := is.New(t)

	is.Equal("4 0 9 6", SpelledDigits(4096))
	is.Equal("7", SpelledDigits(7))
}
