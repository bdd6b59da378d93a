package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"15550001234", "15550001234"},
		{"+1 (555) 000-1234", "15550001234"},
		{"5550001234", "15550001234"},
		{"+44 20 7946 0958", "442079460958"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), tt.in)
	}
}

func TestValidatePhone(t *testing.T) {
	assert.NoError(t, ValidatePhone("15550001234"))
	assert.NoError(t, ValidatePhone("442079460958"))
	assert.ErrorIs(t, ValidatePhone("123"), ErrInvalidPhone)
	assert.ErrorIs(t, ValidatePhone("1234567890123456"), ErrInvalidPhone)
	assert.ErrorIs(t, ValidatePhone("1555000123a"), ErrInvalidPhone)
}

func TestCountryCode(t *testing.T) {
	tests := []struct {
		phone, cc, national string
	}{
		{"15550001234", "1", "5550001234"},
		{"442079460958", "44", "2079460958"},
		{"79161234567", "7", "9161234567"},
		{"353861234567", "353", "861234567"},
	}
	for _, tt := range tests {
		cc, national := CountryCode(tt.phone)
		assert.Equal(t, tt.cc, cc, tt.phone)
		assert.Equal(t, tt.national, national, tt.phone)
	}
}

func TestJIDs(t *testing.T) {
	assert.Equal(t, "15550001234@s.whatsapp.net", UserJID("15550001234"))
	assert.Equal(t, "15550001234@s.whatsapp.net", UserJID("15550001234@s.whatsapp.net"))
	assert.Equal(t, "123-456@g.us", GroupJID("123-456"))
	assert.True(t, IsGroupJID(GroupJID("123-456")))
	assert.False(t, IsGroupJID(UserJID("15550001234")))
	assert.Equal(t, "15550001234", PhoneFromJID("15550001234@s.whatsapp.net"))
	assert.Equal(t, "123-456@g.us", ToJID("123-456@g.us"))
	assert.Equal(t, "15550001234@s.whatsapp.net", ToJID("+1 (555) 000-1234"))
}
