// Package drm provides a library to interact with DRM
// (Direct Rendering Manager) and KMS (Kernel Mode Setting) interfaces.
// DRM is a low level interface for the graphics card (gpu) and this package
// enables the creation of graphics library on top of the kernel drm/kms
// subsystem.
//
// The sub-packages build up from the raw kernel interface: ioctl encodes the
// requests, mode speaks the KMS ABI, and backend drives connectors, CRTCs and
// planes as compositor outputs.
package drm
