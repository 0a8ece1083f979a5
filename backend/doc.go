// Package backend drives the outputs of one DRM device.
//
// A Backend discovers the CRTCs and planes of the device once, tracks
// its connectors across hotplug, assigns CRTCs and planes to the
// connectors being mode-set, and issues page flips through either the
// atomic or the legacy KMS interface. Every method must be called from
// the goroutine running the event loop the backend was created with.
package backend
