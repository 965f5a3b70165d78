// Package notify delivers owner notifications about their keys.
package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Kind identifies a notification.
type Kind string

const (
	KindExpiringSoon Kind = "expiring_soon"
	KindLowTraffic   Kind = "low_traffic"
	KindDeleted      Kind = "deleted"
)

// Reason explains a deletion.
type Reason string

const (
	ReasonExpired        Reason = "expired"
	ReasonQuotaExhausted Reason = "quota exhausted"
)

// ErrEmptyMessage is returned when a message renders to nothing.
var ErrEmptyMessage = errors.New("notify: empty message")

// Message is one notification to a key owner.
type Message struct {
	Kind         Kind
	CredentialID string
	Reason       Reason
}

// Notifier sends messages to users.
type Notifier interface {
	Notify(ctx context.Context, userID int64, msg Message) error
}

// Templates holds the texts per message kind. "{key}" and "{reason}" are substituted.
type Templates struct {
	ExpiringSoon string
	LowTraffic   string
	Expired      string
	Depleted     string
}

// DefaultTemplates returns the built-in texts.
func DefaultTemplates() Templates {
	return Templates{
		ExpiringSoon: "Your key expires in less than 3 days. You can buy a new one from the main menu.",
		LowTraffic:   "Less than 10% of your key's traffic is left. You can buy a new key from the main menu.",
		Expired:      "Your key was deleted because it {reason}. You can buy a new one from the main menu.",
		Depleted:     "Your key was deleted because its {reason}. You can buy a new one from the main menu.",
	}
}

// Files under the data directory that override the built-in texts.
const (
	fileExpiringSoon = "notifications/key_expiration"
	fileLowTraffic   = "notifications/low_traffic"
	fileExpired      = "notifications/key_expired"
	fileDepleted     = "notifications/key_depleted"
)

// LoadTemplates layers text files from dataDir, then non-empty overrides, over the defaults.
func LoadTemplates(dataDir string, overrides Templates) Templates {
	t := DefaultTemplates()
	fields := []struct {
		file     string
		override string
		target   *string
	}{
		{fileExpiringSoon, overrides.ExpiringSoon, &t.ExpiringSoon},
		{fileLowTraffic, overrides.LowTraffic, &t.LowTraffic},
		{fileExpired, overrides.Expired, &t.Expired},
		{fileDepleted, overrides.Depleted, &t.Depleted},
	}
	for _, f := range fields {
		if dataDir != "" {
			data, err := os.ReadFile(filepath.Join(dataDir, f.file))
			switch {
			case err == nil:
				if text := strings.TrimSpace(string(data)); text != "" {
					*f.target = text
				}
			case !errors.Is(err, os.ErrNotExist):
				log.WithError(err).WithField("file", f.file).Warn("notify: read template failed")
			}
		}
		if text := strings.TrimSpace(f.override); text != "" {
			*f.target = text
		}
	}
	return t
}

// Render returns the text for msg.
func (t Templates) Render(msg Message) (string, error) {
	var text string
	switch msg.Kind {
	case KindExpiringSoon:
		text = t.ExpiringSoon
	case KindLowTraffic:
		text = t.LowTraffic
	case KindDeleted:
		text = t.Expired
		if msg.Reason == ReasonQuotaExhausted {
			text = t.Depleted
		}
	}
	reason := string(msg.Reason)
	if msg.Reason == ReasonExpired {
		reason = "has expired"
	} else if msg.Reason == ReasonQuotaExhausted {
		reason = "traffic limit is exhausted"
	}
	text = strings.NewReplacer("{key}", msg.CredentialID, "{reason}", reason).Replace(text)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}

// LogNotifier writes notifications to the log. It is used when no bot is configured.
type LogNotifier struct {
	Templates Templates
}

// Notify logs the rendered message.
func (n LogNotifier) Notify(_ context.Context, userID int64, msg Message) error {
	text, err := n.Templates.Render(msg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id":       userID,
		"kind":          msg.Kind,
		"credential_id": msg.CredentialID,
	}).Info("notify: " + text)
	return nil
}
