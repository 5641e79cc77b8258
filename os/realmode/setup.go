//go:build linux

package realmode

import (
	"context"
	"fmt"
	"io"

	"github.com/c35s/sectorvm/bootimg"
	"github.com/c35s/sectorvm/pc"
	"github.com/c35s/sectorvm/vmm"
)

// Setup reads the image named by src (see bootimg.Open) and creates a VM that boots
// it. The image also backs the BIOS disk service. cfg.Loader and cfg.Disk are
// overwritten. Download progress, if any, is drawn on progress.
func Setup(ctx context.Context, src string, cfg vmm.Config, progress io.Writer) (*vmm.VM, error) {
	img, err := bootimg.Open(ctx, src, progress)
	if err != nil {
		return nil, err
	}

	if len(img) < pc.SectorSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrImageTooSmall, src, len(img))
	}

	cfg.Loader = &Loader{Image: img}
	cfg.Disk = img

	return vmm.New(cfg)
}
