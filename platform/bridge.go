package platform

import (
	"fmt"

	"moria.us/bootstub/image"
)

// A Platform is the initialized platform layer. It is created exactly
// once per bootstrap and threaded downward as an explicit parameter;
// there is no package-level instance.
type Platform struct {
	LoadAddr   uint64 // program base address from table slot 0
	TableAddr  uint64 // address of the service function table
	Descriptor Descriptor
	Table      Table
	Svc        *Services
}

// Exit invokes the termination service. In live wirings it does not
// return; simulated services may return to their harness.
func (p *Platform) Exit(status int) {
	p.Svc.Exit(status)
}

// Bind initializes a Platform from a service-table address inside the
// image, the loader-mode path: slot 9 of the table holds the descriptor
// address.
func Bind(im *image.Image, tableAddr uint64, svc *Services) (*Platform, error) {
	tableOff, err := im.OffsetOf(tableAddr)
	if err != nil {
		return nil, fmt.Errorf("service table: %w", err)
	}
	raw, err := im.Slice(tableOff, TableSize)
	if err != nil {
		return nil, fmt.Errorf("service table: %w", err)
	}
	table, err := DecodeTable(raw)
	if err != nil {
		return nil, err
	}
	descOff, err := im.OffsetOf(table.Words[SlotPlatform])
	if err != nil {
		return nil, fmt.Errorf("platform descriptor: %w", err)
	}
	rawDesc, err := im.Slice(descOff, DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("platform descriptor: %w", err)
	}
	desc, err := DecodeDescriptor(rawDesc)
	if err != nil {
		return nil, err
	}
	return &Platform{
		LoadAddr:   table.Words[SlotLoadAddr],
		TableAddr:  tableAddr,
		Descriptor: desc,
		Table:      table,
		Svc:        svc,
	}, nil
}

// Fabricate synthesizes a minimal descriptor/table pair into the image
// at off, the standalone path: the descriptor first, the table right
// after it, with defaults a host without a loader would choose. An
// external loader overwrites this region in place before transferring
// control, which is what makes the substitution transparent past the
// entry stub. Returns the table address for the downstream Bind.
func Fabricate(im *image.Image, off uint64, desc Descriptor, svc *Services) (uint64, error) {
	region, err := im.Slice(off, DescriptorSize+TableSize)
	if err != nil {
		return 0, fmt.Errorf("fabricated platform data: %w", err)
	}
	if err := desc.Put(region[:DescriptorSize]); err != nil {
		return 0, err
	}
	table := Table{}
	table.Words[SlotLoadAddr] = im.Base()
	table.Words[SlotPlatform] = im.Base() + off
	if err := table.Put(region[DescriptorSize:]); err != nil {
		return 0, err
	}
	return im.Base() + off + DescriptorSize, nil
}

// DefaultDescriptor is the descriptor Fabricate writes when the caller
// has nothing better: the probe is disabled, since a host that needed
// incremental stack commit would have shipped a loader to say so.
func DefaultDescriptor(im *image.Image) Descriptor {
	return Descriptor{
		RelocBase: im.Base(),
		Flags:     FlagNoStackProbe,
		ImageBase: im.Base(),
	}
}
