package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-sdm/internal/pkg/events"
	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/mirror"
	"github.com/jake-scott/nest-sdm/internal/pkg/pubsubapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/telemetry"
)

var _listenCmdOpts struct {
	googlePubSubSubscription string
	googlePubSubProjectID    string
	googleCloudCredsFile     string
	maxMessageAge            time.Duration
	ackTimeout               time.Duration
	logMessages              bool
	mqttBroker               string
	mqttClientID             string
	mqttUsername             string
	mqttPassword             string
	mqttTopicPrefix          string
	mqttQoS                  uint8
	influxURL                string
	influxToken              string
	influxOrg                string
	influxBucket             string
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Apply device events from the Google pub/sub subscription",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doListen()
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIFlags(cmd, args); err != nil {
			return err
		}
		return checkRequiredFlags("google.pubsub.project-id", "google.pubsub.subscription-id", "google.creds.file")
	},
}

func init() {
	listenCmd.Flags().StringVar(&_listenCmdOpts.googlePubSubProjectID, "pubsub-project", "", "ID of Google cloud project containing the pub/sub subscription")
	listenCmd.Flags().StringVar(&_listenCmdOpts.googlePubSubSubscription, "pubsub-subscription", "", "Google pub/sub subscription ID")
	listenCmd.Flags().StringVar(&_listenCmdOpts.googleCloudCredsFile, "gcp-creds", "", "Google Cloud service account credentials file")
	listenCmd.Flags().DurationVar(&_listenCmdOpts.maxMessageAge, "pubsub-maxage", time.Second*1200, "maximum age of a Device Access message that we will process, eg. 1m or 10s")
	listenCmd.Flags().DurationVar(&_listenCmdOpts.ackTimeout, "ack-timeout", time.Second*10, "maximum duration of an ack or nack, eg. 10s")
	listenCmd.Flags().BoolVar(&_listenCmdOpts.logMessages, "log-messages", false, "log pubsub messages (only in debug mode)")
	listenCmd.Flags().StringVar(&_listenCmdOpts.mqttBroker, "mqtt-broker", "", "MQTT broker to mirror device state to, eg. tcp://localhost:1883")
	listenCmd.Flags().StringVar(&_listenCmdOpts.mqttClientID, "mqtt-client-id", "nest-sdm", "MQTT client ID")
	listenCmd.Flags().StringVar(&_listenCmdOpts.mqttUsername, "mqtt-username", "", "MQTT username")
	listenCmd.Flags().StringVar(&_listenCmdOpts.mqttPassword, "mqtt-password", "", "MQTT password")
	listenCmd.Flags().StringVar(&_listenCmdOpts.mqttTopicPrefix, "mqtt-topic-prefix", "nest", "MQTT topic prefix")
	listenCmd.Flags().Uint8Var(&_listenCmdOpts.mqttQoS, "mqtt-qos", 1, "MQTT publish QoS")
	listenCmd.Flags().StringVar(&_listenCmdOpts.influxURL, "influxdb-url", "", "InfluxDB server to record thermostat readings in")
	listenCmd.Flags().StringVar(&_listenCmdOpts.influxToken, "influxdb-token", "", "InfluxDB API token")
	listenCmd.Flags().StringVar(&_listenCmdOpts.influxOrg, "influxdb-org", "", "InfluxDB organisation")
	listenCmd.Flags().StringVar(&_listenCmdOpts.influxBucket, "influxdb-bucket", "nest", "InfluxDB bucket")

	errPanic(viper.GetViper().BindPFlag("google.pubsub.project-id", listenCmd.Flags().Lookup("pubsub-project")))
	errPanic(viper.GetViper().BindPFlag("google.pubsub.subscription-id", listenCmd.Flags().Lookup("pubsub-subscription")))
	errPanic(viper.GetViper().BindPFlag("google.pubsub.max-message-age", listenCmd.Flags().Lookup("pubsub-maxage")))
	errPanic(viper.GetViper().BindPFlag("google.pubsub.ack-timeout", listenCmd.Flags().Lookup("ack-timeout")))
	errPanic(viper.GetViper().BindPFlag("google.creds.file", listenCmd.Flags().Lookup("gcp-creds")))
	errPanic(viper.GetViper().BindPFlag("logging.log-messages", listenCmd.Flags().Lookup("log-messages")))
	errPanic(viper.GetViper().BindPFlag("mqtt.broker", listenCmd.Flags().Lookup("mqtt-broker")))
	errPanic(viper.GetViper().BindPFlag("mqtt.client-id", listenCmd.Flags().Lookup("mqtt-client-id")))
	errPanic(viper.GetViper().BindPFlag("mqtt.username", listenCmd.Flags().Lookup("mqtt-username")))
	errPanic(viper.GetViper().BindPFlag("mqtt.password", listenCmd.Flags().Lookup("mqtt-password")))
	errPanic(viper.GetViper().BindPFlag("mqtt.topic-prefix", listenCmd.Flags().Lookup("mqtt-topic-prefix")))
	errPanic(viper.GetViper().BindPFlag("mqtt.qos", listenCmd.Flags().Lookup("mqtt-qos")))
	errPanic(viper.GetViper().BindPFlag("influxdb.url", listenCmd.Flags().Lookup("influxdb-url")))
	errPanic(viper.GetViper().BindPFlag("influxdb.token", listenCmd.Flags().Lookup("influxdb-token")))
	errPanic(viper.GetViper().BindPFlag("influxdb.org", listenCmd.Flags().Lookup("influxdb-org")))
	errPanic(viper.GetViper().BindPFlag("influxdb.bucket", listenCmd.Flags().Lookup("influxdb-bucket")))

	rootCmd.AddCommand(listenCmd)
}

// attachMirror connects to the MQTT broker, if one is configured, and
// mirrors every device loaded by the registry.  The returned func closes
// the connection.
func attachMirror(devices *sdmapi.DeviceRegistry) (func(), error) {
	broker := viper.GetString("mqtt.broker")
	if broker == "" {
		return func() {}, nil
	}

	cfg := mirror.Config{
		Broker:   broker,
		ClientID: viper.GetString("mqtt.client-id"),
		Username: viper.GetString("mqtt.username"),
		Password: viper.GetString("mqtt.password"),
		Prefix:   viper.GetString("mqtt.topic-prefix"),
	}

	client, err := mirror.Connect(cfg)
	if err != nil {
		return nil, err
	}

	m, err := mirror.NewMQTT(client, cfg.Prefix).WithQoS(byte(viper.GetUint("mqtt.qos")))
	if err != nil {
		mirror.Disconnect(client, cfg.Prefix)
		return nil, err
	}

	devices.OnRefresh(m.Attach)
	logging.Logger(nil).Infof("Mirroring device state to %s", broker)

	return func() { mirror.Disconnect(client, cfg.Prefix) }, nil
}

// attachTelemetry records thermostat readings in InfluxDB if a server is
// configured
func attachTelemetry(ctx context.Context, devices *sdmapi.DeviceRegistry) (func(), error) {
	url := viper.GetString("influxdb.url")
	if url == "" {
		return func() {}, nil
	}

	client, writeAPI, err := telemetry.Connect(ctx, telemetry.Config{
		URL:    url,
		Token:  viper.GetString("influxdb.token"),
		Org:    viper.GetString("influxdb.org"),
		Bucket: viper.GetString("influxdb.bucket"),
	})
	if err != nil {
		return nil, err
	}

	devices.OnRefresh(telemetry.NewRecorder(writeAPI).Attach)
	logging.Logger(nil).Infof("Recording thermostat readings in %s", url)

	return func() {
		writeAPI.Flush()
		client.Close()
	}, nil
}

func doListen() error {
	maxAge := viper.GetDuration("google.pubsub.max-message-age")
	gcpProject := viper.GetString("google.pubsub.project-id")
	subscription := viper.GetString("google.pubsub.subscription-id")
	credsFile := viper.GetString("google.creds.file")

	var logMessages bool
	if viper.GetBool("logging.log-messages") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logMessages = true
		} else {
			logging.Logger(nil).Warn("log-messages ignored when not in debug mode")
		}
	}

	// context to allow us to stop the request loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}
	devices := sdmapi.NewDeviceRegistry(client)
	structures := sdmapi.NewStructureRegistry(client)

	closeMirror, err := attachMirror(devices)
	if err != nil {
		return err
	}
	defer closeMirror()

	closeTelemetry, err := attachTelemetry(ctx, devices)
	if err != nil {
		return err
	}
	defer closeTelemetry()

	// pubsub API instance
	pubsub := pubsubapi.NewLiveClient(gcpProject, subscription).
		WithMaxMessageAge(maxAge).
		WithAckTimeout(viper.GetDuration("google.pubsub.ack-timeout")).
		WithServiceAccountCreds(credsFile)
	if logMessages {
		pubsub = pubsub.WithLogMessages()
	}

	dispatcher := events.NewDispatcher(devices, structures)

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errc <- dispatcher.Run(ctx, pubsub)
	}()

	// ctrl-c handler
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal or the dispatcher gives up
	select {
	case <-c:
		logging.Logger(nil).Info("main: shutting down")
	case err := <-errc:
		wg.Wait()
		return err
	}

	// cancel the request loop context
	cancel()

	// Wait for the in-flight message to be settled
	wg.Wait()

	logging.Logger(nil).Info("main: exiting")
	return <-errc
}
