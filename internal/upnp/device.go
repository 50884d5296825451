// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"context"
	"fmt"
	"net/url"

	"github.com/huin/goupnp"
)

// ResolveDevice fetches the description at location and returns the index-th
// tuner found in it. Multi-tuner appliances describe one embedded device per
// tuner; single tuners describe the services on the root device.
func ResolveDevice(ctx context.Context, location string, index int) (Device, error) {
	tuners, err := fetchTuners(ctx, location)
	if err != nil {
		return Device{}, err
	}
	if index < 0 || index >= len(tuners) {
		return Device{}, fmt.Errorf("%w: tuner %d of %d at %s", ErrServiceMissing, index, len(tuners), location)
	}
	dev, err := DeviceFromDescription(tuners[index])
	if err != nil {
		return Device{}, err
	}
	dev.Location = location
	return dev, nil
}

// ResolveTuners returns every tuner described at location.
func ResolveTuners(ctx context.Context, location string) ([]Device, error) {
	tuners, err := fetchTuners(ctx, location)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(tuners))
	for _, t := range tuners {
		dev, err := DeviceFromDescription(t)
		if err != nil {
			return nil, err
		}
		dev.Location = location
		out = append(out, dev)
	}
	return out, nil
}

func fetchTuners(ctx context.Context, location string) ([]*goupnp.Device, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("upnp: description url %q: %w", location, err)
	}
	root, err := goupnp.DeviceByURLCtx(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return TunerDevices(root), nil
}

// TunerDevices returns the devices under root that directly expose a Tuner
// service, in description order.
func TunerDevices(root *goupnp.RootDevice) []*goupnp.Device {
	var out []*goupnp.Device
	root.Device.VisitDevices(func(d *goupnp.Device) {
		for i := range d.Services {
			if d.Services[i].ServiceType == Tuner.URN() {
				out = append(out, d)
				return
			}
		}
	})
	return out
}

// DeviceFromDescription maps one described device to endpoints. Every service
// kind must be present on the device or its descendants.
func DeviceFromDescription(d *goupnp.Device) (Device, error) {
	dev := Device{
		Name:      d.FriendlyName,
		UDN:       d.UDN,
		Endpoints: make(map[ServiceKind]ServiceEndpoint, len(Kinds)),
	}
	for _, kind := range Kinds {
		found := d.FindService(kind.URN())
		if len(found) == 0 || !found[0].ControlURL.Ok {
			return Device{}, fmt.Errorf("%w: %s on %s", ErrServiceMissing, kind, d.FriendlyName)
		}
		svc := found[0]
		ep := ServiceEndpoint{
			Kind:        kind,
			ServiceType: svc.ServiceType,
			ServiceID:   svc.ServiceId,
			ControlURL:  svc.ControlURL.URL,
		}
		if svc.EventSubURL.Ok {
			ep.EventURL = svc.EventSubURL.URL
		}
		if svc.SCPDURL.Ok {
			ep.SCPDURL = svc.SCPDURL.URL
		}
		dev.Endpoints[kind] = ep
	}
	return dev, nil
}
