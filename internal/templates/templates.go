// Package templates resolves the per-channel message templates of an event and
// renders {{key}} placeholders from the dispatch payload.
package templates

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/example/notification-dispatch/internal/events"
)

var ErrInvalidCatalogue = errors.New("invalid template catalogue")

//go:embed catalogue.yaml
var embedded []byte

type Template struct {
	Subject string `yaml:"subject,omitempty"`
	Body    string `yaml:"body"`
}

type Set struct {
	Email Template `yaml:"email"`
	SMS   Template `yaml:"sms"`
	InApp Template `yaml:"in_app"`
}

// Catalogue maps registered events to their template set.
type Catalogue map[events.Event]Set

// DefaultSet is used for events without a catalogue entry.
var DefaultSet = Set{
	Email: Template{Subject: "Notification", Body: "<p>You have a new notification.</p>"},
	SMS:   Template{Body: "You have a new notification."},
	InApp: Template{Body: "You have a new notification."},
}

var loadDefault = sync.OnceValues(func() (Catalogue, error) {
	return Parse(bytes.NewReader(embedded))
})

// Default returns the catalogue compiled into the binary.
func Default() (Catalogue, error) {
	return loadDefault()
}

func LoadFile(path string) (Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template catalogue: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML catalogue keyed by event tag. Every key must be a
// registered event and every channel needs a body.
func Parse(r io.Reader) (Catalogue, error) {
	var raw map[string]Set
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrInvalidCatalogue, err)
	}

	out := make(Catalogue, len(raw))
	for tag, set := range raw {
		e, err := events.Parse(tag)
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalogue, err)
		}
		if set.Email.Body == "" || set.SMS.Body == "" || set.InApp.Body == "" {
			return nil, fmt.Errorf("%w: %s is missing a channel body", ErrInvalidCatalogue, tag)
		}
		out[e] = set
	}
	return out, nil
}
