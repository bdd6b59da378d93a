package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// Phone number length limits (E.164 without the leading '+')
const (
	MinPhoneDigits = 10
	MaxPhoneDigits = 15
)

// NormalizePhone strips everything but digits. Ten-digit or shorter numbers
// are assumed to be North American and get a leading country code "1".
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits != "" && len(digits) <= 10 {
		digits = "1" + digits
	}
	return digits
}

// ValidatePhone checks that a normalized phone number has a plausible length
func ValidatePhone(phone string) error {
	if len(phone) < MinPhoneDigits || len(phone) > MaxPhoneDigits {
		return fmt.Errorf("%w: %q must have %d-%d digits", ErrInvalidPhone, phone, MinPhoneDigits, MaxPhoneDigits)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q contains non-digits", ErrInvalidPhone, phone)
		}
	}
	return nil
}

// CountryCode splits a normalized number into country code and national number.
// Only the codes needed to tell one- and two-digit prefixes apart are listed;
// anything else is treated as a three-digit code.
func CountryCode(phone string) (cc, national string) {
	if phone == "" {
		return "", ""
	}
	if phone[0] == '1' || phone[0] == '7' {
		return phone[:1], phone[1:]
	}
	if len(phone) >= 2 {
		if _, ok := twoDigitCodes[phone[:2]]; ok {
			return phone[:2], phone[2:]
		}
	}
	if len(phone) >= 3 {
		return phone[:3], phone[3:]
	}
	return phone, ""
}

var twoDigitCodes = map[string]struct{}{
	"20": {}, "27": {}, "30": {}, "31": {}, "32": {}, "33": {}, "34": {}, "36": {},
	"39": {}, "40": {}, "41": {}, "43": {}, "44": {}, "45": {}, "46": {}, "47": {},
	"48": {}, "49": {}, "51": {}, "52": {}, "53": {}, "54": {}, "55": {}, "56": {},
	"57": {}, "58": {}, "60": {}, "61": {}, "62": {}, "63": {}, "64": {}, "65": {},
	"66": {}, "81": {}, "82": {}, "84": {}, "86": {}, "90": {}, "91": {}, "92": {},
	"93": {}, "94": {}, "95": {}, "98": {},
}

// UserJID returns the address of a phone number. Values that already are
// JIDs are returned unchanged.
func UserJID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	return NormalizePhone(phone) + "@" + UserServer
}

// GroupJID returns the address of a group id
func GroupJID(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return id + "@" + GroupServer
}

// IsGroupJID reports whether jid addresses a group
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

// PhoneFromJID returns the user part of a JID
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return user
}

// ToJID resolves a phone number or JID to a JID. Groups must be given as JIDs.
func ToJID(target string) string {
	return UserJID(target)
}
