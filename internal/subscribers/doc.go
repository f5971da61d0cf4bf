// Package subscribers reacts to domain events. Each subscriber adds its registration to
// eventbus.DefaultRegistry from init, so importing the package for side effects is all
// the composition root has to do:
//
//	import _ "github.com/oxide-admin/server/internal/subscribers"
//
// Dependencies are resolved from the provider when the bus starts.
package subscribers

import "github.com/oxide-admin/server/internal/eventbus"

func init() {
	eventbus.MustRegister(Log)
	eventbus.MustRegister(Organization)
	eventbus.MustRegister(Auth)
	eventbus.MustRegister(Audit)
}
