package virt

import (
	"fmt"
	"sort"

	libvirt "libvirt.org/go/libvirt"
)

// connection is the part of *libvirt.Connect the surface needs.
type connection interface {
	LookupDomain(name string) (domain, error)
	Close() error
}

// agent runs QEMU guest agent commands. *libvirt.Domain satisfies it.
type agent interface {
	QemuAgentCommand(command string, timeout libvirt.DomainQemuAgentCommandTimeout, flags uint32) (string, error)
}

// domain is a libvirt domain together with its snapshot and screenshot
// operations.
type domain interface {
	agent
	GetName() (string, error)
	GetState() (libvirt.DomainState, int, error)
	GetInfo() (*libvirt.DomainInfo, error)
	HasManagedSaveImage(flags uint32) (bool, error)
	Create() error
	Shutdown() error
	Destroy() error
	Reset(flags uint32) error
	Suspend() error
	Resume() error
	ManagedSave(flags libvirt.DomainSaveRestoreFlags) error
	SetMetadata(metaDataType libvirt.DomainMetadataType, metaDataCont, uriKey, uri string, flags libvirt.DomainModificationImpact) error
	GetMetadata(metaDataType libvirt.DomainMetadataType, uri string, flags libvirt.DomainModificationImpact) (string, error)

	CaptureScreen() ([]byte, error)
	CreateSnapshot(xml string, flags libvirt.DomainSnapshotCreateFlags) (snapshot, error)
	CurrentSnapshot() (snapshot, error)
	LookupSnapshot(name string) (snapshot, error)
	RootSnapshots() ([]snapshot, error)
	Free() error
}

type snapshot interface {
	GetName() (string, error)
	GetXMLDesc(flags libvirt.DomainSnapshotXMLFlags) (string, error)
	Parent() (snapshot, error)
	Children() ([]snapshot, error)
	Delete(flags libvirt.DomainSnapshotDeleteFlags) error
	RevertToSnapshot(flags libvirt.DomainSnapshotRevertFlags) error
	Free() error
}

// dial opens a libvirt connection, e.g. to "qemu:///system".
func dial(uri string) (connection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt %s: %w", uri, err)
	}
	return &libvirtConnection{conn: conn}, nil
}

type libvirtConnection struct {
	conn *libvirt.Connect
}

func (c *libvirtConnection) LookupDomain(name string) (domain, error) {
	d, err := c.conn.LookupDomainByName(name)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{Domain: d, conn: c.conn}, nil
}

func (c *libvirtConnection) Close() error {
	_, err := c.conn.Close()
	return err
}

type libvirtDomain struct {
	*libvirt.Domain
	conn *libvirt.Connect
}

// CaptureScreen streams the first screen of the domain's console.
func (d *libvirtDomain) CaptureScreen() ([]byte, error) {
	stream, err := d.conn.NewStream(0)
	if err != nil {
		return nil, fmt.Errorf("open screenshot stream: %w", err)
	}
	defer stream.Free()

	if _, err := d.Screenshot(stream, 0, 0); err != nil {
		_ = stream.Abort()
		return nil, err
	}
	var (
		out []byte
		buf = make([]byte, 64*1024)
	)
	for {
		n, err := stream.Recv(buf)
		if err != nil {
			_ = stream.Abort()
			return nil, fmt.Errorf("read screenshot stream: %w", err)
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	if err := stream.Finish(); err != nil {
		return nil, fmt.Errorf("finish screenshot stream: %w", err)
	}
	return out, nil
}

func (d *libvirtDomain) CreateSnapshot(xml string, flags libvirt.DomainSnapshotCreateFlags) (snapshot, error) {
	s, err := d.SnapshotCreateXML(xml, flags)
	if err != nil {
		return nil, err
	}
	return &libvirtSnapshot{s}, nil
}

func (d *libvirtDomain) CurrentSnapshot() (snapshot, error) {
	s, err := d.SnapshotCurrent(0)
	if err != nil {
		return nil, err
	}
	return &libvirtSnapshot{s}, nil
}

func (d *libvirtDomain) LookupSnapshot(name string) (snapshot, error) {
	s, err := d.SnapshotLookupByName(name, 0)
	if err != nil {
		return nil, err
	}
	return &libvirtSnapshot{s}, nil
}

func (d *libvirtDomain) RootSnapshots() ([]snapshot, error) {
	list, err := d.ListAllSnapshots(libvirt.DOMAIN_SNAPSHOT_LIST_ROOTS)
	if err != nil {
		return nil, err
	}
	return wrapSnapshots(list)
}

type libvirtSnapshot struct {
	*libvirt.DomainSnapshot
}

func (s *libvirtSnapshot) Parent() (snapshot, error) {
	p, err := s.GetParent(0)
	if err != nil {
		return nil, err
	}
	return &libvirtSnapshot{p}, nil
}

func (s *libvirtSnapshot) Children() ([]snapshot, error) {
	list, err := s.ListAllChildren(0)
	if err != nil {
		return nil, err
	}
	return wrapSnapshots(list)
}

// wrapSnapshots orders snapshots by name so that child indexes are stable
// between calls.
func wrapSnapshots(list []libvirt.DomainSnapshot) ([]snapshot, error) {
	out := make([]snapshot, 0, len(list))
	names := make(map[snapshot]string, len(list))
	for i := range list {
		s := &libvirtSnapshot{&list[i]}
		name, err := s.GetName()
		if err != nil {
			for _, o := range out {
				_ = o.Free()
			}
			return nil, err
		}
		names[s] = name
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return names[out[i]] < names[out[j]] })
	return out, nil
}
