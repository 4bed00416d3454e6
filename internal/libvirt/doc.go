// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Utility functions for libvirt operations
//
// The Client type provides a high-level interface for libvirt operations,
// while exposing the underlying *libvirt.Libvirt for packages that need
// direct access to the libvirt API. Domain XML generation lives in
// internal/vmbackend/libvirtqemu, which builds a libvirtxml.Domain from a
// CreatorOptions/extent-builder pair rather than a declarative VM spec.
//
// Connection Management:
//
// The package establishes connections to the local libvirt daemon via Unix socket:
//
//	client, err := libvirt.Connect()
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Check connection
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Instead, consumers (internal/vmbackend/libvirtqemu)
// define their own libvirtClient interfaces specifying only the operations
// they need. The *libvirt.Libvirt type satisfies these interfaces
// implicitly, enabling clean dependency injection.
//
// See internal/vmbackend/libvirtqemu/interfaces.go for an example of a
// consumer-side interface.
package libvirt
