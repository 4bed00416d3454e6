package libvirtqemu

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/digitalocean/go-libvirt"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/extent"
)

// fakeClient is a minimal in-memory stand-in for *libvirt.Libvirt, the
// same narrow-interface fake pattern the teacher uses for its
// libvirtClient/storageManager dependency injection.
type fakeClient struct {
	pools   map[string]libvirt.StoragePool
	vols    map[string]string // volume name -> host path
	domains map[string]libvirt.Domain
	states  map[string]int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pools:   map[string]libvirt.StoragePool{},
		vols:    map[string]string{},
		domains: map[string]libvirt.Domain{},
		states:  map[string]int32{},
	}
}

func (f *fakeClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if p, ok := f.pools[name]; ok {
		return p, nil
	}
	return libvirt.StoragePool{}, errNotFound{}
}
func (f *fakeClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	p := libvirt.StoragePool{Name: defaultPoolName}
	f.pools[defaultPoolName] = p
	return p, nil
}
func (f *fakeClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	return nil
}
func (f *fakeClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	return nil
}
func (f *fakeClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	if _, ok := f.vols[name]; ok {
		return libvirt.StorageVol{Name: name}, nil
	}
	return libvirt.StorageVol{}, errNotFound{}
}
func (f *fakeClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags uint32) (libvirt.StorageVol, error) {
	return libvirt.StorageVol{Name: "testvol.raw"}, nil
}
func (f *fakeClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	delete(f.vols, vol.Name)
	return nil
}
func (f *fakeClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return f.vols[vol.Name], nil
}
func (f *fakeClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	dom := libvirt.Domain{Name: "test-dom"}
	f.domains["test-dom"] = dom
	return dom, nil
}
func (f *fakeClient) DomainCreate(dom libvirt.Domain) error {
	f.states[dom.Name] = 1
	return nil
}
func (f *fakeClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	return f.domains[name], nil
}
func (f *fakeClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	return f.states[dom.Name], 0, nil
}
func (f *fakeClient) DomainSnapshotCreateXML(dom libvirt.Domain, xml string, flags uint32) (libvirt.DomainSnapshot, error) {
	return libvirt.DomainSnapshot{Name: "snap1"}, nil
}
func (f *fakeClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	return `<domain><devices><disk><source file='/var/lib/libvirt/diskvm-disks/testvol.raw'/></disk></devices></domain>`, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func TestMachineStartTransitionsToRunning(t *testing.T) {
	client := newFakeClient()
	m := &Machine{client: client, domain: libvirt.Domain{Name: "test-dom"}}

	running, err := m.IsRunning(context.Background())
	if err != nil || running {
		t.Fatalf("expected not running before Start, got running=%v err=%v", running, err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	running, err = m.IsRunning(context.Background())
	if err != nil || !running {
		t.Fatalf("expected running after Start, got running=%v err=%v", running, err)
	}
}

func TestMachineDisksParsesSourceFromXML(t *testing.T) {
	client := newFakeClient()
	m := &Machine{client: client, domain: libvirt.Domain{Name: "test-dom"}}

	disks, err := m.Disks(context.Background())
	if err != nil {
		t.Fatalf("Disks: %v", err)
	}
	if len(disks) != 1 {
		t.Fatalf("expected 1 disk, got %d", len(disks))
	}
	d := disks[0].(*Disk)
	if d.path != "/var/lib/libvirt/diskvm-disks/testvol.raw" {
		t.Fatalf("unexpected disk path %q", d.path)
	}
}

func TestDiskBuilderWriteCopiesExtentBytes(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.img")
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(srcPath, payload, 0o600); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	client := newFakeClient()
	volPath := filepath.Join(dir, "out.raw")
	if err := os.WriteFile(volPath, make([]byte, 1024), 0o600); err != nil {
		t.Fatalf("seed output volume: %v", err)
	}
	client.vols["diskvm.raw"] = volPath

	storage := newStorageManager(client)
	storage.poolPath = dir

	builder := &DiskBuilder{
		builder: extent.NewBuilder(512),
		storage: storage,
		client:  client,
	}
	if err := builder.AddPart(extent.Part{SourceFile: srcPath, SourceOffset: 0, TargetOffset: 0, Length: 1024}); err != nil {
		t.Fatalf("AddPart: %v", err)
	}

	disk, err := builder.Write(context.Background(), dir, "diskvm")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if disk.Type() != diskvm.DiskTypeLibvirtQemu {
		t.Fatalf("unexpected disk type %q", disk.Type())
	}

	got, err := os.ReadFile(volPath)
	if err != nil {
		t.Fatalf("read output volume: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}
