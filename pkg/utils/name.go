package utils

import (
	"fmt"
	"strings"
)

// ContainerName builds a channel-safe container name from a recipient
// display name and id. It lowercases the name, replaces non-alphanumeric
// runs with a single dash and appends the last four characters of the id
// to disambiguate recipients with the same display name.
func ContainerName(prefix, display, recipientID string) string {
	t := strings.ToLower(display)
	var b strings.Builder
	lastDash := false
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else {
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "recipient"
	}
	tail := recipientID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	if prefix != "" {
		return fmt.Sprintf("%s-%s-%s", prefix, s, tail)
	}
	return fmt.Sprintf("%s-%s", s, tail)
}

// ContainerTopic encodes thread and recipient markers into a container
// topic. Reconciliation parses these back when the store record is missing.
func ContainerTopic(threadID, recipientID string) string {
	return fmt.Sprintf("thread:%s recipient:%s", threadID, recipientID)
}

// ParseContainerTopic extracts the thread and recipient markers from a
// container topic. Both values are empty when the topic carries no markers.
func ParseContainerTopic(topic string) (threadID, recipientID string) {
	for _, f := range strings.Fields(topic) {
		if v, ok := strings.CutPrefix(f, "thread:"); ok {
			threadID = v
		}
		if v, ok := strings.CutPrefix(f, "recipient:"); ok {
			recipientID = v
		}
	}
	return threadID, recipientID
}
