// Package notify delivers user-facing notices such as controller faults and
// unexpected disconnects.
package notify

import (
	"github.com/sirupsen/logrus"
)

// DefaultTitle is used when no title is configured.
const DefaultTitle = "Afterburner"

// Notifier delivers a notice. Implementations must not block for long; they
// are called from the dispatch path.
type Notifier interface {
	Notify(title, body string)
}

// Func adapts a function to Notifier.
type Func func(title, body string)

func (f Func) Notify(title, body string) { f(title, body) }

// Log writes notices to a logrus logger at warn level.
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Notify(title, body string) {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithField("title", title).Warn(body)
}

// Multi fans a notice out to every non-nil Notifier in order.
type Multi []Notifier

func (m Multi) Notify(title, body string) {
	for _, n := range m {
		if n != nil {
			n.Notify(title, body)
		}
	}
}

// Nop discards notices.
type Nop struct{}

func (Nop) Notify(string, string) {}
