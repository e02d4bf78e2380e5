package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/pubsubapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

// ErrDeviceNotFound means a resource update named a device that is not in
// the registry
var ErrDeviceNotFound = errors.New("no registered device")

// DeviceDirectory is the part of sdmapi.DeviceRegistry the dispatcher uses
type DeviceDirectory interface {
	List(ctx context.Context, forceRefresh bool) ([]*sdmapi.Device, error)
	Lookup(name string) (*sdmapi.Device, bool)
}

// StructureDirectory is the part of sdmapi.StructureRegistry the dispatcher
// uses
type StructureDirectory interface {
	List(ctx context.Context, forceRefresh bool) ([]*sdmapi.Structure, error)
}

// Dispatcher routes push notifications to the devices they describe
type Dispatcher struct {
	devices    DeviceDirectory
	structures StructureDirectory
	logger     *logrus.Entry
}

// NewDispatcher creates a dispatcher; structures may be nil
func NewDispatcher(devices DeviceDirectory, structures StructureDirectory) *Dispatcher {
	return &Dispatcher{
		devices:    devices,
		structures: structures,
		logger:     logging.Component("dispatcher"),
	}
}

func (d *Dispatcher) WithLogger(l *logrus.Entry) *Dispatcher {
	d.logger = l
	return d
}

// Run loads the registries and then consumes source until ctx is cancelled.
// Registries are only ever reloaded by relation updates.
func (d *Dispatcher) Run(ctx context.Context, source pubsubapi.EventSource) error {
	if _, err := d.devices.List(ctx, false); err != nil {
		return errors.Wrap(err, "loading devices")
	}
	if d.structures != nil {
		if _, err := d.structures.List(ctx, false); err != nil {
			return errors.Wrap(err, "loading structures")
		}
	}

	d.logger.Info("dispatcher: listening for events")
	err := source.Receive(ctx, d.Handle)
	d.logger.Info("dispatcher: done")

	return err
}

// Handle classifies one message and settles it.  Precedence is
// relationUpdate, then resourceUpdate; anything else is rejected.
func (d *Dispatcher) Handle(ctx context.Context, msg pubsubapi.Message) {
	ctx = logging.WithTxnID(ctx, uuid.New().String())
	logger := d.entry(ctx)

	ev, err := sdmapi.ParseEvent(msg.Data())
	if err != nil {
		logger.WithError(err).Errorf("Nacking pubsub message %s: undecodable", msg.ID())
		d.settle(ctx, logger, msg, false)
		return
	}

	ctx = logging.WithEventID(ctx, ev.EventID)
	logger = d.entry(ctx)
	logger.Infof("Received pubsub message: %s", ev.EventID)

	switch ev.Kind() {
	case sdmapi.EventRelationUpdate:
		logger.Debug("Relation update, updating devices and structures")
		d.refresh(ctx, logger)
		d.settle(ctx, logger, msg, true)

	case sdmapi.EventResourceUpdate:
		if err := d.applyResourceUpdate(ev); err != nil {
			logger.WithError(err).Errorf("Nacking pubsub message: %s", ev.EventID)
			d.settle(ctx, logger, msg, false)
			return
		}
		logger.Debugf("Acking pubsub message: %s", ev.EventID)
		d.settle(ctx, logger, msg, true)

	default:
		logger.Errorf("Nacking pubsub message: %s: no processable events", ev.EventID)
		d.settle(ctx, logger, msg, false)
	}
}

func (d *Dispatcher) applyResourceUpdate(ev *sdmapi.Event) error {
	ru, err := ev.Resource()
	if err != nil {
		return err
	}

	device, ok := d.devices.Lookup(ru.Name)
	if !ok {
		return errors.Wrap(ErrDeviceNotFound, ru.Name)
	}

	return errors.Wrapf(device.ApplyEvent(ev), "applying event to %s", ru.Name)
}

// refresh reloads both registries; a failed reload keeps the cached instances
func (d *Dispatcher) refresh(ctx context.Context, logger *logrus.Entry) {
	if _, err := d.devices.List(ctx, true); err != nil {
		logger.WithError(err).Error("refreshing devices after relation update")
	}
	if d.structures != nil {
		if _, err := d.structures.List(ctx, true); err != nil {
			logger.WithError(err).Error("refreshing structures after relation update")
		}
	}
}

func (d *Dispatcher) settle(ctx context.Context, logger *logrus.Entry, msg pubsubapi.Message, ack bool) {
	var err error
	if ack {
		err = msg.Ack(ctx)
	} else {
		err = msg.Nack(ctx)
	}

	if err != nil {
		logger.WithError(err).Warnf("settling pubsub message %s (ack=%v)", msg.ID(), ack)
	}
}

// entry decorates the dispatcher's logger with the ids carried by ctx
func (d *Dispatcher) entry(ctx context.Context) *logrus.Entry {
	return d.logger.WithFields(logging.Logger(ctx).Data)
}
