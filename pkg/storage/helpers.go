package storage

import (
	"time"

	"github.com/ZentaChain/pocksup/pkg/network"
)

const previewLength = 64

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// Timestamps are stored as unix seconds, 0 meaning unset
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// preview is the conversation list line for a message
func preview(rec network.MessageRecord) string {
	if rec.Text == "" {
		return "[" + rec.Type + "]"
	}
	r := []rune(rec.Text)
	if len(r) > previewLength {
		return string(r[:previewLength]) + "…"
	}
	return rec.Text
}
