// Package builtin provides the processing plugins shipped with spectractl.
package builtin

import (
	"codeberg.org/mutker/spectractl/internal/plugin"
)

const version = "1.0.0"

type registration struct {
	descriptor plugin.Descriptor
	factory    plugin.Factory
}

func registrations() []registration {
	return []registration{
		{identityDescriptor, newIdentity},
		{scaleDescriptor, newScale},
		{filterSaturatedDescriptor, newFilterSaturated},
		{roiDescriptor, newROI},
		{boxcarDescriptor, newBoxcar},
		{despikeDescriptor, newDespike},
		{scanAverageDescriptor, newScanAverage},
		{darkSubtractDescriptor, newDarkSubtract},
		{baselineDescriptor, newBaseline},
	}
}

// RegisterAll adds every built-in plugin to r.
func RegisterAll(r *plugin.Registry) error {
	for _, reg := range registrations() {
		if err := r.Register(reg.descriptor, reg.factory); err != nil {
			return err
		}
	}

	return nil
}
