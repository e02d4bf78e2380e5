package sdmapi

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
)

// ErrUnknownDeviceType is returned by NewDevice for device types this package
// does not model
var ErrUnknownDeviceType = errors.New("unknown device type")

type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeCamera
	DeviceTypeDisplay
	DeviceTypeDoorbell
	DeviceTypeThermostat
)

var deviceTypeNames = []string{
	"",
	"sdm.devices.types.CAMERA",
	"sdm.devices.types.DISPLAY",
	"sdm.devices.types.DOORBELL",
	"sdm.devices.types.THERMOSTAT",
}

// convert an API device type to its ID
func parseDeviceType(name string) (bool, DeviceType) {
	for i, val := range deviceTypeNames {
		if i > 0 && val == name {
			return true, DeviceType(i)
		}
	}

	return false, DeviceTypeUnknown
}

func (t DeviceType) String() string {
	if t <= DeviceTypeUnknown || int(t) >= len(deviceTypeNames) {
		return "unknown"
	}

	return deviceTypeNames[t]
}

// ParentRelation links a device to the structure or room it is assigned to
type ParentRelation struct {
	Parent      string `json:"parent"`
	DisplayName string `json:"displayName,omitempty"`
}

// UpdateListener receives the traits document of every applied update
type UpdateListener func(d *Device, traits Document)

// EventListener receives the events document of every discrete event
type EventListener func(d *Device, events Document)

type Device struct {
	Name            string
	Type            DeviceType
	Assignee        string
	ParentRelations []ParentRelation

	client *Client
	logger *logrus.Entry

	mu              sync.Mutex
	traits          Document
	lastUpdated     time.Time
	updateListeners []UpdateListener
	eventListeners  []EventListener
}

type deviceResource struct {
	Name            string           `json:"name"`
	Type            string           `json:"type"`
	Assignee        string           `json:"assignee"`
	Traits          Document         `json:"traits"`
	ParentRelations []ParentRelation `json:"parentRelations"`
}

// NewDevice builds a device from its API representation
func NewDevice(client *Client, doc Document) (*Device, error) {
	var res deviceResource
	if err := doc.Decode(&res); err != nil {
		return nil, errors.Wrap(err, "decoding device")
	}

	ok, devType := parseDeviceType(res.Type)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDeviceType, "%s: %q", res.Name, res.Type)
	}

	if res.Traits == nil {
		res.Traits = Document{}
	}

	d := &Device{
		Name:            res.Name,
		Type:            devType,
		Assignee:        res.Assignee,
		ParentRelations: res.ParentRelations,
		client:          client,
		traits:          res.Traits,
	}

	logger := logging.Component("sdmapi")
	if client != nil {
		logger = client.logger
	}
	d.logger = logger.WithField("device", ShortName(res.Name))

	return d, nil
}

// ID is the last element of the device's resource name
func (d *Device) ID() string {
	return ShortName(d.Name)
}

// Traits returns a copy of the device's trait bag
func (d *Device) Traits() Document {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.traits.Clone()
}

func (d *Device) LastUpdated() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastUpdated
}

// Trait projects the named trait into t and reports whether the device
// exposes it
func (d *Device) Trait(t Trait) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Project(d.traits, t)
}

func (d *Device) Info() *Info {
	t := &Info{}
	d.Trait(t)
	return t
}

func (d *Device) Connectivity() *Connectivity {
	t := &Connectivity{}
	d.Trait(t)
	return t
}

// Connected reports whether the device says it is online
func (d *Device) Connected() bool {
	return d.Connectivity().Online()
}

// DisplayName is the custom name, falling back to the room the device is in
func (d *Device) DisplayName() string {
	if info := d.Info(); info.CustomName != nil && *info.CustomName != "" {
		return *info.CustomName
	}

	for _, rel := range d.ParentRelations {
		if rel.DisplayName != "" {
			return rel.DisplayName
		}
	}

	return d.ID()
}

func (d *Device) AddUpdateListener(l UpdateListener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.updateListeners = append(d.updateListeners, l)
}

func (d *Device) AddEventListener(l EventListener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.eventListeners = append(d.eventListeners, l)
}

// ExecuteCommand sends cmd to the device
func (d *Device) ExecuteCommand(ctx context.Context, cmd Command) (Document, error) {
	if d.client == nil {
		return nil, errors.New("device has no api client")
	}

	return d.client.ExecuteCommand(ctx, d.Name, cmd)
}

// ApplyEvent applies a resource update.  Events no newer than the last one
// applied are ignored.  Discrete events go to the event listeners; trait
// updates are merged into the trait bag and then go to the update listeners.
// Each listener gets its own copy of the payload.
func (d *Device) ApplyEvent(ev *Event) error {
	ts, err := ev.Time()
	if err != nil {
		return err
	}

	ru, err := ev.Resource()
	if err != nil {
		return err
	}

	d.mu.Lock()

	if !ts.After(d.lastUpdated) {
		last := d.lastUpdated
		d.mu.Unlock()
		d.logger.Debugf("Ignoring event %s at %s, device last updated %s", ev.EventID, ts, last)
		return nil
	}

	if ru.Events == nil && ru.Traits == nil {
		d.mu.Unlock()
		return ErrUnknownEventShape
	}

	d.lastUpdated = ts
	if ru.Traits != nil {
		d.traits = DeepMerge(d.traits, ru.Traits)
	}

	updateListeners := append([]UpdateListener(nil), d.updateListeners...)
	eventListeners := append([]EventListener(nil), d.eventListeners...)

	d.mu.Unlock()

	if ru.Events != nil {
		for _, l := range eventListeners {
			l(d, ru.Events.Clone())
		}
	}

	if ru.Traits != nil {
		for _, l := range updateListeners {
			l(d, ru.Traits.Clone())
		}
	}

	return nil
}
