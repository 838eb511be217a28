package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// msgPublisher is the slice of *nats.Conn the reporter needs.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSReporter fans status updates out on <subject>.<state>.
type NATSReporter struct {
	pub     msgPublisher
	conn    *nats.Conn
	subject string
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
}

// NewNATSReporter connects to NATS and returns a reporter.
func NewNATSReporter(opts NATSOptions) (*NATSReporter, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name("shotdiff"),
		nats.Timeout(opts.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	r := newNATSReporter(conn, opts.Subject)
	r.conn = conn
	return r, nil
}

func newNATSReporter(pub msgPublisher, subject string) *NATSReporter {
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = "shotdiff.status"
	}
	return &NATSReporter{pub: pub, subject: subject}
}

// Name returns the reporter name.
func (n *NATSReporter) Name() string {
	return "nats"
}

// natsMessage is the JSON body published for each update.
type natsMessage struct {
	ID string `json:"id"`
	Update
}

// Report publishes the update. The message id doubles as the JetStream
// dedupe header so redelivered publishes collapse.
func (n *NATSReporter) Report(ctx context.Context, update Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := uuid.NewString()
	data, err := json.Marshal(natsMessage{ID: id, Update: update})
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.Subject(update.State))
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data
	return n.pub.PublishMsg(msg)
}

// Subject returns the subject used for state.
func (n *NATSReporter) Subject(state State) string {
	return fmt.Sprintf("%s.%s", n.subject, strings.ToLower(string(state)))
}

// Close drains and closes the connection when the reporter owns one.
func (n *NATSReporter) Close() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
