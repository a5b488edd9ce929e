package expires

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelative(t *testing.T) {
	exp, err := Parse("in 15")
	require.NoError(t, err)
	require.NotNil(t, exp.Period)
	assert.Equal(t, 15*time.Second, *exp.Period)
	assert.Nil(t, exp.Date)
}

func TestParseAbsolute(t *testing.T) {
	exp, err := Parse("at 2014-05-06T03:08:09")
	require.NoError(t, err)
	require.NotNil(t, exp.Date)
	assert.Equal(t, time.Date(2014, 5, 6, 3, 8, 9, 0, time.UTC), *exp.Date)
	assert.Nil(t, exp.Period)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "three tokens", input: "at 2014-05-06 03:08:09", want: ErrArgument},
		{name: "one token", input: "at", want: ErrArgument},
		{name: "empty", input: "", want: ErrArgument},
		{name: "unknown prefix", input: "after 15", want: ErrArgument},
		{name: "garbage seconds", input: "in 15x", want: ErrFormat},
		{name: "negative seconds", input: "in -3", want: ErrFormat},
		{name: "garbage datetime", input: "at yesterday", want: ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []*Expires{
		In(0),
		In(15),
		In(86400),
		At(time.Date(2014, 5, 6, 3, 8, 9, 0, time.UTC)),
		At(time.Now()),
	}

	for _, exp := range cases {
		parsed, err := Parse(exp.String())
		require.NoError(t, err, exp.String())
		assert.Equal(t, exp.String(), parsed.String())
		if exp.Date != nil {
			assert.True(t, exp.Date.Equal(*parsed.Date))
		} else {
			assert.Equal(t, *exp.Period, *parsed.Period)
		}
	}
}

func TestAtNormalisesToUTCSeconds(t *testing.T) {
	zone := time.FixedZone("UTC+3", 3*60*60)
	exp := At(time.Date(2014, 5, 6, 6, 8, 9, 123456789, zone))

	assert.Equal(t, "at 2014-05-06T03:08:09", exp.String())
}
