package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"relaydesk/pkg/config"
	"relaydesk/pkg/models"
)

// Rules bounds relayed payloads. Zero values disable the respective check.
type Rules struct {
	MaxContentBytes int64
	MaxAttachments  int
	MaxTitleLen     int
	AllowedSchemes  []string
}

var rules = Rules{
	MaxTitleLen:    200,
	AllowedSchemes: []string{"http", "https"},
}

func SetRules(r Rules) {
	if r.MaxTitleLen == 0 {
		r.MaxTitleLen = 200
	}
	if len(r.AllowedSchemes) == 0 {
		r.AllowedSchemes = []string{"http", "https"}
	}
	rules = r
}

// FromConfig installs limits from the relay section.
func FromConfig(cfg config.RelayConfig) {
	SetRules(Rules{
		MaxContentBytes: cfg.MaxContentBytes.Int64(),
		MaxAttachments:  cfg.MaxAttachments,
	})
}

// ValidateMessage checks a relayable payload. A message must carry content
// or at least one attachment.
func ValidateMessage(content string, atts []models.Attachment) error {
	var errs []string
	if strings.TrimSpace(content) == "" && len(atts) == 0 {
		errs = append(errs, "message is empty")
	}
	if rules.MaxContentBytes > 0 && int64(len(content)) > rules.MaxContentBytes {
		errs = append(errs, fmt.Sprintf("content too large: %d > %d bytes", len(content), rules.MaxContentBytes))
	}
	if rules.MaxAttachments > 0 && len(atts) > rules.MaxAttachments {
		errs = append(errs, fmt.Sprintf("too many attachments: %d > %d", len(atts), rules.MaxAttachments))
	}
	for i, a := range atts {
		if a.URL == "" {
			errs = append(errs, fmt.Sprintf("attachment %d missing url", i))
			continue
		}
		u, err := url.Parse(a.URL)
		if err != nil || !schemeAllowed(u.Scheme) {
			errs = append(errs, fmt.Sprintf("attachment %d has invalid url", i))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateTitle checks a thread title update.
func ValidateTitle(title string) error {
	if len(title) > rules.MaxTitleLen {
		return fmt.Errorf("title too long: %d > %d", len(title), rules.MaxTitleLen)
	}
	return nil
}

func schemeAllowed(s string) bool {
	for _, v := range rules.AllowedSchemes {
		if v == s {
			return true
		}
	}
	return false
}
