// Package publish fans tailed lines and mutation follow-ups out over NATS.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	// LineSubjectPrefix is followed by "<server_id>.<category>"
	LineSubjectPrefix = "ingest.lines"
	// FollowUpSubjectPrefix is followed by "<server_id>"
	FollowUpSubjectPrefix = "ingest.mutations"

	flushTimeout = 5 * time.Second
)

// Publisher is the subset of *nats.Conn used here
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// Connect opens a NATS connection that reconnects forever and logs
// connection state changes
func Connect(url, clientName string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("url", url).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return nc, nil
}

// LineMessage is the JSON payload published for each line
type LineMessage struct {
	ServerID   string `json:"server_id"`
	Category   string `json:"category"`
	SourceFile string `json:"source_file"`
	Text       string `json:"text"`
}

// LineSubject returns the subject lines of (serverID, category) go to
func LineSubject(serverID string, category domain.Category) string {
	return strings.Join([]string{LineSubjectPrefix, subjectToken(serverID), subjectToken(string(category))}, ".")
}

// LinePublisher publishes every line of one category. It is registered as a
// dispatch handler.
type LinePublisher struct {
	pub      Publisher
	category domain.Category
}

// NewLinePublisher creates a line publisher for category
func NewLinePublisher(pub Publisher, category domain.Category) *LinePublisher {
	return &LinePublisher{pub: pub, category: category}
}

func (p *LinePublisher) Category() domain.Category { return p.category }

// Handle publishes one line
func (p *LinePublisher) Handle(ctx context.Context, line domain.Line) error {
	data, err := json.Marshal(LineMessage{
		ServerID:   line.ServerID,
		Category:   string(line.Category),
		SourceFile: line.SourceFile,
		Text:       line.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	if err := p.pub.Publish(LineSubject(line.ServerID, line.Category), data); err != nil {
		return fmt.Errorf("publish line: %w", err)
	}
	return nil
}

// Flush waits until the server has acknowledged everything published so far
func (p *LinePublisher) Flush(ctx context.Context) error {
	timeout := flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return p.pub.FlushTimeout(timeout)
}

// FollowUpMessage asks a game-server side agent to act after a config
// edit (e.g. reload the ban list)
type FollowUpMessage struct {
	ServerID string    `json:"server_id"`
	Action   string    `json:"action"`
	SentAt   time.Time `json:"sent_at"`
}

// RefreshNotifier publishes mutation follow-ups
type RefreshNotifier struct {
	pub Publisher
}

// NewRefreshNotifier creates a notifier
func NewRefreshNotifier(pub Publisher) *RefreshNotifier {
	return &RefreshNotifier{pub: pub}
}

// Notify publishes followUp for serverID
func (n *RefreshNotifier) Notify(ctx context.Context, serverID, followUp string) error {
	data, err := json.Marshal(FollowUpMessage{
		ServerID: serverID,
		Action:   followUp,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal follow-up: %w", err)
	}
	subject := FollowUpSubjectPrefix + "." + subjectToken(serverID)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish follow-up: %w", err)
	}

	log.Debug().
		Str("server_id", serverID).
		Str("subject", subject).
		Str("action", followUp).
		Msg("Mutation follow-up published")
	return nil
}

// subjectToken makes s safe to use as a single NATS subject token
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
