package pubsubapi

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	apioption "google.golang.org/api/option"
	pubsubv1 "google.golang.org/api/pubsub/v1"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
)

const (
	maxPullMessages   = 10
	defaultAckTimeout = 10 * time.Second
	pullRetryDelay    = 5 * time.Second
)

// Live pulls from a Google Cloud Pub/Sub subscription
type Live struct {
	gcpProjectID   string
	subscriptionID string
	credsFile      string
	timeout        time.Duration
	ackTimeout     time.Duration
	maxMessageAge  time.Duration
	logMessages    bool
	options        []apioption.ClientOption
	logger         *logrus.Entry

	mu  sync.Mutex
	svc *pubsubv1.Service
}

func NewLiveClient(gcpProjectID string, subscriptionID string) *Live {
	return &Live{
		gcpProjectID:   gcpProjectID,
		subscriptionID: subscriptionID,
		maxMessageAge:  time.Second * 120,
		ackTimeout:     defaultAckTimeout,
		logger:         logging.Component("pubsub"),
	}
}

func (c *Live) WithServiceAccountCreds(credsFile string) *Live {
	c.credsFile = credsFile
	return c
}

// WithTimeout bounds each pull
func (c *Live) WithTimeout(d time.Duration) *Live {
	c.timeout = d
	return c
}

// WithAckTimeout bounds each ack or nack
func (c *Live) WithAckTimeout(d time.Duration) *Live {
	c.ackTimeout = d
	return c
}

// WithMaxMessageAge sets the age beyond which messages are acked unprocessed;
// zero disables the check
func (c *Live) WithMaxMessageAge(d time.Duration) *Live {
	c.maxMessageAge = d
	return c
}

func (c *Live) WithLogMessages() *Live {
	c.logMessages = true
	return c
}

// WithClientOptions passes extra options to the Pub/Sub service client
func (c *Live) WithClientOptions(opts ...apioption.ClientOption) *Live {
	c.options = append(c.options, opts...)
	return c
}

func (c *Live) WithLogger(l *logrus.Entry) *Live {
	c.logger = l
	return c
}

func (c *Live) subscription() string {
	return "projects/" + c.gcpProjectID + "/subscriptions/" + c.subscriptionID
}

func (c *Live) api(ctx context.Context) (*pubsubv1.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.svc != nil {
		return c.svc, nil
	}

	opts := c.options
	if c.credsFile != "" {
		opts = append([]apioption.ClientOption{apioption.WithCredentialsFile(c.credsFile)}, opts...)
	}

	svc, err := pubsubv1.NewService(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "initialising the api")
	}

	c.svc = svc
	return svc, nil
}

func (c *Live) MakeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}

	return ctx, func() {}
}

// settleContext outlives the caller's cancellation so that the message in
// flight at shutdown is still settled
func (c *Live) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.ackTimeout)
}

// Receive pulls messages and hands them to h one at a time until ctx is
// cancelled.  Pull errors are logged and retried after a pause.
func (c *Live) Receive(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			c.logger.Info("message-loop: shutting down")
			return nil
		}

		c.logger.Debug("message-loop: waiting for messages")
		messages, err := c.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("message-loop: shutting down")
				return nil
			}

			c.logger.WithError(err).Errorf("message-loop: pulling subscription messages, sleeping %s", pullRetryDelay)
			select {
			case <-ctx.Done():
			case <-time.After(pullRetryDelay):
			}
			continue
		}

		for i, msg := range messages {
			if ctx.Err() != nil {
				c.releaseUndelivered(ctx, messages[i:])
				break
			}

			h(ctx, msg)
		}
	}
}

// releaseUndelivered hands back messages pulled but not yet dispatched
func (c *Live) releaseUndelivered(ctx context.Context, messages []Message) {
	for _, msg := range messages {
		if err := msg.Nack(ctx); err != nil {
			c.logger.WithError(err).Warnf("releasing message ID %s", msg.ID())
		}
	}
}

// Pull fetches up to 10 messages.  Messages older than the maximum age are
// acknowledged and dropped, undecodable ones are nacked.
func (c *Live) Pull(ctx context.Context) ([]Message, error) {
	s, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	pctx, cancel := c.MakeContext(ctx)
	defer cancel()

	pullRequest := pubsubv1.PullRequest{
		MaxMessages: maxPullMessages,
	}

	response, err := s.Projects.Subscriptions.Pull(c.subscription(), &pullRequest).Context(pctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "pulling messages from topic subscription")
	}

	var toAck, toNack []string
	messages := make([]Message, 0, len(response.ReceivedMessages))

	for _, received := range response.ReceivedMessages {
		if received.Message == nil {
			toNack = append(toNack, received.AckId)
			continue
		}

		m := received.Message
		c.logger.Infof("pubsub message: ID %s, delivery attempt %d", m.MessageId, received.DeliveryAttempt)

		// event data is base64 encoded
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			c.logger.WithError(err).Errorf("decoding base64-encoded data field of message ID %s", m.MessageId)
			toNack = append(toNack, received.AckId)
			continue
		}
		if c.logMessages {
			c.logger.Debugf("message data (ID %s): %s", m.MessageId, data)
		}

		msg := &liveMessage{
			source: c,
			ackID:  received.AckId,
			id:     m.MessageId,
			data:   data,
		}

		publishTime, err := time.Parse(time.RFC3339Nano, m.PublishTime)
		if err != nil {
			c.logger.WithError(err).Warnf("parsing message publish time (`%s`)", m.PublishTime)
		} else {
			msg.publishTime = publishTime
			if c.maxMessageAge > 0 && time.Now().After(publishTime.Add(c.maxMessageAge)) {
				c.logger.Warnf("ignoring message ID %s, older than %s (%s)", m.MessageId, c.maxMessageAge, publishTime)
				toAck = append(toAck, received.AckId)
				continue
			}
		}

		messages = append(messages, msg)
	}

	if len(toAck) > 0 {
		if err := c.AckMessages(ctx, toAck); err != nil {
			c.logger.WithError(err).Warnf("acknowledging %d old messages", len(toAck))
		}
	}
	if len(toNack) > 0 {
		if err := c.NackMessages(ctx, toNack); err != nil {
			c.logger.WithError(err).Warnf("rejecting %d undecodable messages", len(toNack))
		}
	}

	return messages, nil
}

func (c *Live) AckMessages(ctx context.Context, ackIDs []string) error {
	s, err := c.api(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := c.settleContext(ctx)
	defer cancel()

	ackRequest := pubsubv1.AcknowledgeRequest{
		AckIds: ackIDs,
	}

	if _, err := s.Projects.Subscriptions.Acknowledge(c.subscription(), &ackRequest).Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "executing acknowledge call")
	}

	c.logger.Debugf("sent ACK %v", ackIDs)
	return nil
}

// NackMessages makes the messages available for redelivery straight away
func (c *Live) NackMessages(ctx context.Context, ackIDs []string) error {
	s, err := c.api(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := c.settleContext(ctx)
	defer cancel()

	req := pubsubv1.ModifyAckDeadlineRequest{
		AckIds:             ackIDs,
		AckDeadlineSeconds: 0,
		ForceSendFields:    []string{"AckDeadlineSeconds"},
	}

	if _, err := s.Projects.Subscriptions.ModifyAckDeadline(c.subscription(), &req).Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "executing modifyAckDeadline call")
	}

	c.logger.Debugf("sent NACK %v", ackIDs)
	return nil
}

type liveMessage struct {
	source      *Live
	ackID       string
	id          string
	data        []byte
	publishTime time.Time
	settled     int32
}

func (m *liveMessage) ID() string             { return m.id }
func (m *liveMessage) Data() []byte           { return m.data }
func (m *liveMessage) PublishTime() time.Time { return m.publishTime }

func (m *liveMessage) Ack(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.settled, 0, 1) {
		return ErrAlreadySettled
	}
	return m.source.AckMessages(ctx, []string{m.ackID})
}

func (m *liveMessage) Nack(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.settled, 0, 1) {
		return ErrAlreadySettled
	}
	return m.source.NackMessages(ctx, []string{m.ackID})
}
