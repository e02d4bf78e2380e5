package mirror

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 1000 // milliseconds

	maxQoS = 2
)

var (
	ErrInvalidQoS    = errors.New("mqtt qos must be 0, 1 or 2")
	ErrPublishFailed = errors.New("mqtt publish failed")
)

// Publisher is the part of a paho client used by the mirror
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Config describes the broker connection
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// Connect opens a paho client that marks the mirror offline through its will
// message when the connection drops
func Connect(cfg Config) (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(statusTopic(cfg.Prefix), "offline", 1, true)

	logger := logging.Component("mqtt")
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logger.Infof("Connected to %s", cfg.Broker)
		c.Publish(statusTopic(cfg.Prefix), 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WithError(err).Warn("Lost broker connection")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, errors.Errorf("connecting to %s: timeout after %s", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", cfg.Broker)
	}

	return client, nil
}

// Disconnect publishes a graceful offline status and closes the client
func Disconnect(client pahomqtt.Client, prefix string) {
	if client.IsConnectionOpen() {
		client.Publish(statusTopic(prefix), 1, true, "offline").WaitTimeout(defaultPublishTimeout)
	}
	client.Disconnect(disconnectQuiesce)
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// MQTT mirrors device state to a broker.  Each trait is published retained
// to <prefix>/<device-id>/traits/<trait>; discrete events are published to
// <prefix>/<device-id>/events.
type MQTT struct {
	pub     Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *logrus.Entry

	mu       sync.Mutex
	attached map[*sdmapi.Device]struct{}
}

func NewMQTT(pub Publisher, prefix string) *MQTT {
	return &MQTT{
		pub:      pub,
		prefix:   prefix,
		timeout:  defaultPublishTimeout,
		logger:   logging.Component("mirror"),
		attached: make(map[*sdmapi.Device]struct{}),
	}
}

func (m *MQTT) WithQoS(qos byte) (*MQTT, error) {
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	m.qos = qos
	return m, nil
}

func (m *MQTT) WithTimeout(d time.Duration) *MQTT {
	m.timeout = d
	return m
}

func (m *MQTT) WithLogger(l *logrus.Entry) *MQTT {
	m.logger = l
	return m
}

func (m *MQTT) TraitTopic(d *sdmapi.Device, trait string) string {
	return fmt.Sprintf("%s/%s/traits/%s", m.prefix, d.ID(), trait)
}

func (m *MQTT) EventTopic(d *sdmapi.Device) string {
	return fmt.Sprintf("%s/%s/events", m.prefix, d.ID())
}

// Attach subscribes the mirror to devices and publishes their current
// traits.  It is meant to be registered as a registry refresh hook: devices
// not in the latest list are forgotten.
func (m *MQTT) Attach(devices []*sdmapi.Device) {
	m.mu.Lock()
	current := make(map[*sdmapi.Device]struct{}, len(devices))
	var added []*sdmapi.Device
	for _, d := range devices {
		current[d] = struct{}{}
		if _, ok := m.attached[d]; !ok {
			added = append(added, d)
		}
	}
	m.attached = current
	m.mu.Unlock()

	for _, d := range added {
		d.AddUpdateListener(m.onUpdate)
		d.AddEventListener(m.onEvent)

		if err := m.publishTraits(d, d.Traits()); err != nil {
			m.logger.WithError(err).Errorf("publishing traits of %s", d.ID())
		}
	}
}

func (m *MQTT) onUpdate(d *sdmapi.Device, traits sdmapi.Document) {
	if err := m.publishTraits(d, traits); err != nil {
		m.logger.WithError(err).Errorf("publishing trait update of %s", d.ID())
	}
}

func (m *MQTT) onEvent(d *sdmapi.Device, events sdmapi.Document) {
	payload := eventPayload{
		Device:    d.Name,
		Timestamp: d.LastUpdated(),
		Events:    events,
	}

	if err := m.publish(m.EventTopic(d), payload, false); err != nil {
		m.logger.WithError(err).Errorf("publishing events of %s", d.ID())
	}
}

type eventPayload struct {
	Device    string          `json:"device"`
	Timestamp time.Time       `json:"timestamp"`
	Events    sdmapi.Document `json:"events"`
}

// publishTraits sends one retained message per trait in traits.  Only the
// traits named in an update are sent, carrying the merged value.
func (m *MQTT) publishTraits(d *sdmapi.Device, traits sdmapi.Document) error {
	merged := d.Traits()

	var firstErr error
	for name := range traits {
		value, ok := merged[name]
		if !ok {
			value = traits[name]
		}

		if err := m.publish(m.TraitTopic(d, name), value, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *MQTT) publish(topic string, v interface{}, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding payload for %s", topic)
	}

	token := m.pub.Publish(topic, m.qos, retained, payload)
	if !token.WaitTimeout(m.timeout) {
		return errors.Wrapf(ErrPublishFailed, "%s: timeout after %s", topic, m.timeout)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(ErrPublishFailed, "%s: %v", topic, err)
	}

	m.logger.Debugf("published %s (retained=%v)", topic, retained)
	return nil
}
