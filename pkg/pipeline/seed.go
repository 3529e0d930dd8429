package pipeline

import (
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/nimbusfleet/warren/pkg/types"
)

// seedISOLabel is the volume label cloud-init's NoCloud datasource
// looks for when scanning attached block devices.
const seedISOLabel = "cidata"

// buildSeedISO writes a NoCloud-format cloud-init seed ISO for inst at
// path, containing user-data (inst.UserData, or an empty cloud-config
// if none was supplied) and a minimal meta-data identifying the
// instance. It overwrites any seed ISO already at path.
func buildSeedISO(path string, inst *types.Instance) error {
	userData := inst.UserData
	if userData == "" {
		userData = "#cloud-config\n{}\n"
	}
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", inst.UUID, inst.Name)

	size := isoSizeFor(userData, metaData)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale seed iso: %w", err)
	}

	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("create seed iso %s: %w", path, err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: seedISOLabel,
	})
	if err != nil {
		return fmt.Errorf("create iso9660 filesystem: %w", err)
	}

	if err := writeSeedFile(fs, "/user-data", userData); err != nil {
		return err
	}
	if err := writeSeedFile(fs, "/meta-data", metaData); err != nil {
		return err
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return fmt.Errorf("unexpected filesystem type %T for seed iso", fs)
	}
	if err := iso.Finalize(iso9660.FinalizeOptions{}); err != nil {
		return fmt.Errorf("finalize seed iso: %w", err)
	}

	return nil
}

func writeSeedFile(fs filesystem.FileSystem, name, contents string) error {
	f, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fmt.Errorf("create %s in seed iso: %w", name, err)
	}
	if _, err := f.Write([]byte(contents)); err != nil {
		f.Close()
		return fmt.Errorf("write %s in seed iso: %w", name, err)
	}
	return f.Close()
}

// isoSizeFor returns an image size comfortably larger than the two
// seed files plus ISO9660 volume overhead.
func isoSizeFor(userData, metaData string) int64 {
	const minSize = 1 << 20 // 1MiB: the smallest size diskfs/ISO tooling handles reliably
	need := int64(len(userData)+len(metaData)) * 4
	if need < minSize {
		return minSize
	}
	return need
}
